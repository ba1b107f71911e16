package report

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotErrors saves a plot of the mean error of each estimator, with bars of one standard deviation, as a
// function of the number of trajectories. The format is taken from the file extension.
//
// If names is empty, all estimators of the summary are plotted.
func (s *Summary) PlotErrors(path string, names ...string) error {
	if len(names) == 0 {
		names = s.Names()
	}
	p := plot.New()
	p.Title.Text = "Off-policy evaluation error"
	p.X.Label.Text = "Number of trajectories"
	p.Y.Label.Text = "Estimate - exact"
	p.Add(plotter.NewGrid())

	for i, name := range names {
		stats, found := s.Errors[name]
		if !found {
			return errors.Errorf("estimator %q not in summary", name)
		}
		points := &plotutil.ErrorPoints{
			XYs:     make(plotter.XYs, len(stats)),
			YErrors: make(plotter.YErrors, len(stats)),
		}
		for j, st := range stats {
			points.XYs[j] = plotter.XY{X: float64(s.NumTrajectories[j]), Y: st.Mean}
			points.YErrors[j].Low = st.StdDev
			points.YErrors[j].High = st.StdDev
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %q", name)
		}
		line.Color = plotutil.Color(i)
		bars, err := plotter.NewYErrorBars(points)
		if err != nil {
			return errors.Wrapf(err, "failed to plot error bars of %q", name)
		}
		bars.Color = plotutil.Color(i)
		p.Add(line, bars)
		p.Legend.Add(name, line)
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}

// PlotPerformance saves a plot of the performance of every episode of a DQN training, and of its moving
// average over the given window.
func PlotPerformance(path string, performance []float64, window int) error {
	if len(performance) == 0 {
		return errors.New("no performance values to plot")
	}
	p := plot.New()
	p.Title.Text = "DQN performance"
	p.X.Label.Text = "Episode"
	p.Y.Label.Text = "Cost / minimum cost"

	raw := make(plotter.XYs, len(performance))
	for i, v := range performance {
		raw[i] = plotter.XY{X: float64(i), Y: v}
	}
	moving := MovingAverage(performance, window)
	avg := make(plotter.XYs, len(moving))
	for i, v := range moving {
		avg[i] = plotter.XY{X: float64(i), Y: v}
	}
	for i, series := range []struct {
		name   string
		points plotter.XYs
	}{
		{"episode", raw},
		{fmt.Sprintf("average over %d", window), avg},
	} {
		line, err := plotter.NewLine(series.points)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %s performance", series.name)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}

// MovingAverage returns, for each position, the mean of the last window values up to it.
func MovingAverage(values []float64, window int) []float64 {
	window = max(window, 1)
	averages := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		averages[i] = sum / float64(min(i+1, window))
	}
	return averages
}
