package operations

import "github.com/seantiz/crucible/internal/model"

const (
	// plateauEpochs is how many epochs without a new best val_loss mark a
	// training run as plateaued.
	plateauEpochs = 10
	// trendWindow is the number of trailing epochs compared for overfitting.
	trendWindow = 5
)

// recomputeTrends refreshes the derived training fields from the epoch log.
func recomputeTrends(m *model.Metrics) {
	m.BestEpoch = nil
	m.BestValLoss = nil
	m.EpochsSinceImprovement = 0

	bestIdx := -1
	for i, p := range m.Epochs {
		v, ok := p.Float("val_loss")
		if !ok {
			continue
		}
		if m.BestValLoss == nil || v < *m.BestValLoss {
			best := v
			epoch := i
			if e, ok := p.Float("epoch"); ok {
				epoch = int(e)
			}
			m.BestValLoss = &best
			m.BestEpoch = &epoch
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		m.EpochsSinceImprovement = len(m.Epochs) - 1 - bestIdx
	}
	m.IsPlateaued = m.EpochsSinceImprovement >= plateauEpochs
	m.IsOverfitting = overfitting(m.Epochs)
}

// overfitting reports train_loss falling while val_loss rises across the
// trailing window. At least three epochs are needed.
func overfitting(epochs []model.MetricPoint) bool {
	n := min(trendWindow, len(epochs))
	if n < 3 {
		return false
	}
	w := epochs[len(epochs)-n:]
	t0, ok0 := w[0].Float("train_loss")
	t1, ok1 := w[n-1].Float("train_loss")
	v0, ok2 := w[0].Float("val_loss")
	v1, ok3 := w[n-1].Float("val_loss")
	if !ok0 || !ok1 || !ok2 || !ok3 {
		return false
	}
	return t1 < t0 && v1 > v0
}
