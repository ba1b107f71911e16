// Package earlystop implements convergence-gated fitting: an ai.EpochMonitor that stops fitting once the
// monitored loss plateaus, or gets close enough to zero.
package earlystop

import (
	"math"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrMissingMetric is returned when the monitored metric is absent from the logs of an epoch.
var ErrMissingMetric = errors.New("convergence monitor: metric missing from epoch logs")

// Convergence stops fitting when |loss[t-1] - loss[t]| < Epsilon (plateau), or, if UseBoth is set, when
// loss[t] < Diff (near zero loss).
//
// The loss history is reset at every OnTrainBegin, so the same monitor can be reused across fitting calls.
type Convergence struct {
	// Monitor is the name of the metric watched, by default ai.LossMetric.
	Monitor string

	// Epsilon is the plateau threshold on the change of the loss between consecutive epochs.
	Epsilon float64

	// Diff is the near-zero threshold on the loss itself. Only used if UseBoth.
	Diff float64

	// UseBoth enables the Diff detector.
	UseBoth bool

	losses    []float64
	converged bool
	epoch     int
}

var _ ai.EpochMonitor = (*Convergence)(nil)

// New creates a Convergence monitor on the loss.
func New(epsilon, diff float64, useBoth bool) *Convergence {
	return &Convergence{
		Monitor: ai.LossMetric,
		Epsilon: epsilon,
		Diff:    diff,
		UseBoth: useBoth,
	}
}

// OnTrainBegin implements ai.EpochMonitor.
func (c *Convergence) OnTrainBegin() {
	c.losses = c.losses[:0]
	c.converged = false
	c.epoch = -1
}

// OnEpochEnd implements ai.EpochMonitor.
func (c *Convergence) OnEpochEnd(epoch int, logs map[string]float32) (stop bool, err error) {
	monitor := c.Monitor
	if monitor == "" {
		monitor = ai.LossMetric
	}
	value, found := logs[monitor]
	if !found {
		return false, errors.Wrapf(ErrMissingMetric, "metric %q at epoch %d", monitor, epoch)
	}
	c.epoch = epoch
	loss := float64(value)
	c.losses = append(c.losses, loss)
	if n := len(c.losses); n >= 2 && math.Abs(c.losses[n-2]-loss) < c.Epsilon {
		c.converged = true
	}
	if c.UseBoth && loss < c.Diff {
		c.converged = true
	}
	return c.converged, nil
}

// OnTrainEnd implements ai.EpochMonitor.
func (c *Convergence) OnTrainEnd() {
	if len(c.losses) == 0 {
		return
	}
	if c.converged {
		klog.V(1).Infof("Converged after %d epochs, loss=%g", c.epoch+1, c.losses[len(c.losses)-1])
	} else {
		klog.V(1).Infof("Not converged after %d epochs, loss=%g", c.epoch+1, c.losses[len(c.losses)-1])
	}
}

// Converged reports whether the last fitting call stopped because of convergence.
func (c *Convergence) Converged() bool {
	return c.converged
}

// Losses of the epochs of the last fitting call.
func (c *Convergence) Losses() []float64 {
	return c.losses
}
