package ai

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// LossMetric is the key of the epoch loss in the logs passed to an EpochMonitor.
const LossMetric = "loss"

// EpochMonitor is called around the fitting epochs, and can stop the fitting early.
type EpochMonitor interface {
	// OnTrainBegin is called at the start of every fitting call.
	OnTrainBegin()

	// OnEpochEnd is called with the metrics of the epoch (LossMetric is the mean training loss).
	// If it returns stop, fitting ends after this epoch.
	OnEpochEnd(epoch int, logs map[string]float32) (stop bool, err error)

	// OnTrainEnd is called when the fitting call finishes, whatever the reason.
	OnTrainEnd()
}

// FitConfig configures Fit.
type FitConfig struct {
	// Epochs is the maximum number of passes over the data.
	Epochs int

	// BatchSize of each training step. If 0, the learner's BatchSize is used, and if negative the whole
	// data is used in one batch.
	BatchSize int

	// Rng used to shuffle the examples every epoch. If nil, the examples are not shuffled.
	Rng *rand.Rand

	// Monitor, if not nil, is called at every epoch and may stop fitting early.
	Monitor EpochMonitor
}

// FitResult summarizes a fitting call.
type FitResult struct {
	// Epochs actually run.
	Epochs int

	// Loss of the last epoch.
	Loss float32

	// Losses of all epochs run.
	Losses []float32

	// Stopped is true if the monitor ended fitting before the epoch budget.
	Stopped bool
}

// Fit trains learner on the given examples for up to cfg.Epochs epochs of mini-batches.
//
// The loss of an epoch is the mean of the training losses of its batches, weighted by batch size.
// Panics raised by the learner are returned as errors.
func Fit(learner ValueLearner, states [][]float32, actions []int, targets []float32, cfg FitConfig) (result FitResult, err error) {
	numExamples := len(states)
	if len(actions) != numExamples || len(targets) != numExamples {
		return result, errors.Errorf("Fit with %d states, %d actions and %d targets", numExamples, len(actions), len(targets))
	}
	if numExamples == 0 {
		return result, errors.New("Fit called without examples")
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = learner.BatchSize()
	}
	if batchSize < 0 || batchSize > numExamples {
		batchSize = numExamples
	}

	if cfg.Monitor != nil {
		cfg.Monitor.OnTrainBegin()
		defer cfg.Monitor.OnTrainEnd()
	}
	order := make([]int, numExamples)
	for ii := range order {
		order[ii] = ii
	}
	statesBatch := make([][]float32, 0, batchSize)
	actionsBatch := make([]int, 0, batchSize)
	targetsBatch := make([]float32, 0, batchSize)
	for epoch := range cfg.Epochs {
		if cfg.Rng != nil {
			cfg.Rng.Shuffle(numExamples, func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		var sumLoss float64
		err = exceptions.TryCatch[error](func() {
			for start := 0; start < numExamples; start += batchSize {
				statesBatch, actionsBatch, targetsBatch = statesBatch[:0], actionsBatch[:0], targetsBatch[:0]
				for _, idx := range order[start:min(start+batchSize, numExamples)] {
					statesBatch = append(statesBatch, states[idx])
					actionsBatch = append(actionsBatch, actions[idx])
					targetsBatch = append(targetsBatch, targets[idx])
				}
				loss := learner.Learn(statesBatch, actionsBatch, targetsBatch)
				sumLoss += float64(loss) * float64(len(statesBatch))
			}
		})
		if err != nil {
			return result, errors.WithMessagef(err, "fitting %s, epoch %d", learner, epoch)
		}
		stop, err := result.endEpoch(cfg.Monitor, epoch, float32(sumLoss/float64(numExamples)))
		if err != nil || stop {
			return result, err
		}
	}
	return result, nil
}

func (r *FitResult) endEpoch(monitor EpochMonitor, epoch int, loss float32) (stop bool, err error) {
	r.Epochs = epoch + 1
	r.Loss = loss
	r.Losses = append(r.Losses, loss)
	klog.V(2).Infof("epoch %d: loss=%g", epoch, loss)
	if monitor == nil {
		return false, nil
	}
	stop, err = monitor.OnEpochEnd(epoch, map[string]float32{LossMetric: loss})
	if err != nil {
		return false, err
	}
	r.Stopped = stop
	return stop, nil
}

// Batch of regression examples, as produced by a BatchSource.
type Batch struct {
	States  [][]float32
	Actions []int
	Targets []float32
}

// BatchSource generates batches on demand. Next must be safe for concurrent use: each call returns a complete
// batch of its own.
type BatchSource interface {
	// Next batch.
	Next() (Batch, error)

	// StepsPerEpoch is the number of batches that make one epoch.
	StepsPerEpoch() int
}

// GeneratorConfig configures FitGenerator.
type GeneratorConfig struct {
	// Epochs is the maximum number of epochs, each of source.StepsPerEpoch() batches.
	Epochs int

	// Workers pulling batches from the source concurrently. Defaults to 1.
	Workers int

	// Monitor, if not nil, is called at every epoch and may stop fitting early.
	Monitor EpochMonitor
}

// FitGenerator trains learner on batches pulled from source by cfg.Workers concurrent workers.
// Training steps themselves are sequential, in the order batches become ready.
func FitGenerator(ctx context.Context, learner ValueLearner, source BatchSource, cfg GeneratorConfig) (result FitResult, err error) {
	workers := max(cfg.Workers, 1)
	steps := source.StepsPerEpoch()
	if steps <= 0 {
		return result, errors.Errorf("batch source with %d steps per epoch", steps)
	}
	if cfg.Monitor != nil {
		cfg.Monitor.OnTrainBegin()
		defer cfg.Monitor.OnTrainEnd()
	}
	for epoch := range cfg.Epochs {
		loss, err := fitGeneratorEpoch(ctx, learner, source, workers, steps)
		if err != nil {
			return result, errors.WithMessagef(err, "fitting %s, epoch %d", learner, epoch)
		}
		stop, err := result.endEpoch(cfg.Monitor, epoch, loss)
		if err != nil || stop {
			return result, err
		}
	}
	return result, nil
}

func fitGeneratorEpoch(ctx context.Context, learner ValueLearner, source BatchSource, workers, steps int) (float32, error) {
	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(epochCtx)
	batches := make(chan Batch, workers)
	var pending atomic.Int64
	pending.Store(int64(steps))
	for range workers {
		g.Go(func() error {
			for pending.Add(-1) >= 0 {
				batch, err := source.Next()
				if err != nil {
					return err
				}
				select {
				case batches <- batch:
				case <-gCtx.Done():
					return gCtx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(batches)
	}()

	var sumLoss float64
	var numExamples int
	learnErr := exceptions.TryCatch[error](func() {
		for batch := range batches {
			if len(batch.States) == 0 {
				continue
			}
			loss := learner.Learn(batch.States, batch.Actions, batch.Targets)
			sumLoss += float64(loss) * float64(len(batch.States))
			numExamples += len(batch.States)
		}
	})
	if learnErr != nil {
		// Release the workers blocked on sending.
		cancel()
		for range batches {
		}
		return 0, learnErr
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if numExamples == 0 {
		return 0, errors.New("batch source produced no examples")
	}
	return float32(sumLoss / float64(numExamples)), nil
}
