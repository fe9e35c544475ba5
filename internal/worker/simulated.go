package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

const (
	defaultSimulatedEpochs   = 10
	defaultSimulatedBars     = 50
	defaultTargetAccuracy    = 0.62
	defaultTargetSharpe      = 1.1
	defaultSimulatedCapital  = 10000.0
	simulatedMaxDrawdown     = 0.08
	simulatedBarsPerTrade    = 5
	simulatedModelArtifact   = "model.json"
	simulatedArtifactModeDir = 0o755
)

// Simulated imitates training and backtesting with deterministic numbers.
// Training writes a small model artifact per epoch and reports the epoch as
// resumable state, so a checkpointed run continues where it stopped.
//
// Parameters understood: epochs, target_accuracy (training); bars,
// target_sharpe (backtesting).
type Simulated struct {
	ArtifactsDir string
	StepDelay    time.Duration
	Epochs       int
	Bars         int
}

// Execute runs the job.
func (s *Simulated) Execute(ctx context.Context, r *engine.Reporter, job Job) (map[string]any, error) {
	switch job.OperationType {
	case model.TypeTraining:
		return s.train(ctx, r, job)
	case model.TypeBacktesting:
		return s.backtest(ctx, r, job)
	default:
		return nil, fmt.Errorf("simulated executor cannot run %s operations", job.OperationType)
	}
}

func (s *Simulated) train(ctx context.Context, r *engine.Reporter, job Job) (map[string]any, error) {
	epochs := intParam(job.Parameters, "epochs", orDefault(s.Epochs, defaultSimulatedEpochs))
	target := floatParam(job.Parameters, "target_accuracy", defaultTargetAccuracy)

	start := 1
	if job.ResumeFrom != nil {
		cp := &model.Checkpoint{State: job.ResumeFrom.State}
		if epoch, ok := cp.Epoch(); ok {
			start = epoch + 1
		}
	}

	dir := filepath.Join(s.ArtifactsDir, job.OperationID)
	if err := os.MkdirAll(dir, simulatedArtifactModeDir); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	modelPath := filepath.Join(dir, simulatedModelArtifact)

	accuracy := target * float64(min(start-1, epochs)) / float64(epochs)
	for epoch := start; epoch <= epochs; epoch++ {
		if err := sleepCtx(ctx, s.StepDelay); err != nil {
			return nil, err
		}
		frac := float64(epoch) / float64(epochs)
		accuracy = target * frac

		if err := r.Metrics(model.MetricPoint{
			"epoch":      epoch,
			"train_loss": 1.0 - 0.6*frac,
			"val_loss":   1.05 - 0.5*frac,
			"accuracy":   accuracy,
		}); err != nil {
			return nil, err
		}
		if err := r.Progress(model.Progress{
			Percentage:     frac * 100,
			CurrentStep:    fmt.Sprintf("epoch %d/%d", epoch, epochs),
			StepsCompleted: epoch,
			StepsTotal:     epochs,
		}); err != nil {
			return nil, err
		}
		if err := writeArtifact(modelPath, map[string]any{"epoch": epoch, "accuracy": accuracy}); err != nil {
			return nil, err
		}
		if err := r.State(map[string]any{
			"epoch":          epoch,
			"training_state": map[string]any{"epoch": epoch, "accuracy": accuracy},
			"artifacts":      map[string]any{"model": modelPath},
		}); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"accuracy":           accuracy,
		"model_path":         modelPath,
		"epochs_trained":     epochs,
		"resumed_from_epoch": start - 1,
	}, nil
}

func (s *Simulated) backtest(ctx context.Context, r *engine.Reporter, job Job) (map[string]any, error) {
	bars := intParam(job.Parameters, "bars", orDefault(s.Bars, defaultSimulatedBars))
	sharpe := floatParam(job.Parameters, "target_sharpe", defaultTargetSharpe)
	totalReturn := sharpe / 10

	equity := defaultSimulatedCapital
	for bar := 1; bar <= bars; bar++ {
		if err := sleepCtx(ctx, s.StepDelay); err != nil {
			return nil, err
		}
		equity = defaultSimulatedCapital * (1 + totalReturn*float64(bar)/float64(bars))
		if err := r.Metrics(model.MetricPoint{"bar": bar, "equity": equity}); err != nil {
			return nil, err
		}
		if err := r.Progress(model.Progress{
			Percentage:     float64(bar) / float64(bars) * 100,
			CurrentStep:    fmt.Sprintf("bar %d/%d", bar, bars),
			ItemsProcessed: bar,
			ItemsTotal:     bars,
		}); err != nil {
			return nil, err
		}
	}

	result := map[string]any{
		"sharpe_ratio": sharpe,
		"total_return": totalReturn,
		"max_drawdown": simulatedMaxDrawdown,
		"trades":       bars / simulatedBarsPerTrade,
		"final_equity": equity,
	}
	if p, ok := job.Parameters["model_path"]; ok {
		result["model_path"] = p
	}
	return result, nil
}

func writeArtifact(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := model.Float(params[key]); ok && v > 0 {
		return int(v)
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := model.Float(params[key]); ok {
		return v
	}
	return def
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
