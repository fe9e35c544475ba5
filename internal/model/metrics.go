package model

// MetricPoint is one opaque metrics sample, e.g. one training epoch or one
// backtest bar. Keys are producer-defined.
type MetricPoint map[string]any

// Float returns the numeric value stored under key.
func (p MetricPoint) Float(key string) (float64, bool) {
	return Float(p[key])
}

// Float converts a JSON-decoded number to float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// MetricBucket names the append-only log a metric point lands in.
type MetricBucket string

// Metric bucket constants.
const (
	BucketEpochs   MetricBucket = "epochs"
	BucketBars     MetricBucket = "bars"
	BucketSegments MetricBucket = "segments"
	BucketHistory  MetricBucket = "history"
)

// BucketFor returns the metrics bucket used by operations of type t.
// Types without a dedicated bucket fall back to the generic history.
func BucketFor(t OperationType) MetricBucket {
	switch t {
	case TypeTraining:
		return BucketEpochs
	case TypeBacktesting:
		return BucketBars
	case TypeDataLoad:
		return BucketSegments
	default:
		return BucketHistory
	}
}

// Metrics is the polymorphic metrics container of an operation. Only the
// bucket matching the operation type is populated. The derived fields are
// maintained for training operations.
type Metrics struct {
	Epochs   []MetricPoint `json:"epochs,omitempty"`
	Bars     []MetricPoint `json:"bars,omitempty"`
	Segments []MetricPoint `json:"segments,omitempty"`
	History  []MetricPoint `json:"history,omitempty"`

	BestEpoch              *int     `json:"best_epoch,omitempty"`
	BestValLoss            *float64 `json:"best_val_loss,omitempty"`
	EpochsSinceImprovement int      `json:"epochs_since_improvement,omitempty"`
	IsOverfitting          bool     `json:"is_overfitting,omitempty"`
	IsPlateaued            bool     `json:"is_plateaued,omitempty"`
}

// Points returns the points stored in bucket b.
func (m *Metrics) Points(b MetricBucket) []MetricPoint {
	switch b {
	case BucketEpochs:
		return m.Epochs
	case BucketBars:
		return m.Bars
	case BucketSegments:
		return m.Segments
	default:
		return m.History
	}
}

// Append adds points to bucket b, creating it if needed.
func (m *Metrics) Append(b MetricBucket, points ...MetricPoint) {
	switch b {
	case BucketEpochs:
		m.Epochs = append(m.Epochs, points...)
	case BucketBars:
		m.Bars = append(m.Bars, points...)
	case BucketSegments:
		m.Segments = append(m.Segments, points...)
	default:
		m.History = append(m.History, points...)
	}
}

// Since returns the points of bucket b at or after cursor, and the cursor
// a consumer should pass next time.
func (m *Metrics) Since(b MetricBucket, cursor int) ([]MetricPoint, int) {
	pts := m.Points(b)
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(pts) {
		return nil, len(pts)
	}
	out := make([]MetricPoint, len(pts)-cursor)
	copy(out, pts[cursor:])
	return out, len(pts)
}

// Clone returns a deep copy of the metrics.
func (m Metrics) Clone() Metrics {
	c := m
	c.Epochs = clonePoints(m.Epochs)
	c.Bars = clonePoints(m.Bars)
	c.Segments = clonePoints(m.Segments)
	c.History = clonePoints(m.History)
	if m.BestEpoch != nil {
		v := *m.BestEpoch
		c.BestEpoch = &v
	}
	if m.BestValLoss != nil {
		v := *m.BestValLoss
		c.BestValLoss = &v
	}
	return c
}

func clonePoints(pts []MetricPoint) []MetricPoint {
	if pts == nil {
		return nil
	}
	out := make([]MetricPoint, len(pts))
	for i, p := range pts {
		out[i] = MetricPoint(CloneMap(p))
	}
	return out
}
