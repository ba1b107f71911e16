// fqe measures the quality of off-policy estimators on the frozen lake: a fixed policy is evaluated with
// data collected by an epsilon-greedy version of itself, for growing numbers of trajectories, and the
// errors of fitted Q evaluation and importance sampling relative to the exact value are reported.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators"
	_ "github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators/default"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env/lake"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/fqi"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/profilers"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ui/cli"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig       = flag.String("config", "", "Experiment YAML file of kind \"fqe\". Flags set in the command line take precedence.")
	flagApproximator = flag.String("approximator", approximators.DefaultConfig, "Configuration of the approximator "+
		"used by fitted Q evaluation.")
	flagEpsilon      = flag.Float64("epsilon", 0.5, "Exploration of the behavior policy around the evaluated policy.")
	flagTrajectories = flag.String("trajectories", "50:1060:100", "Numbers of trajectories to evaluate with, "+
		"either a comma-separated list or a range \"start:stop:step\" (stop excluded).")
	flagNumTrials   = flag.Int("num_trials", 20, "Number of trials for each number of trajectories.")
	flagParallelism = flag.Int("parallelism", 0, "Number of trials run concurrently. 0 means GOMAXPROCS.")
	flagSeed        = flag.Uint64("seed", 42, "Base seed of the trials.")
	flagOutputCSV   = flag.String("output_csv", "fqe_quality.csv", "File where to save the trials. Empty to skip.")
	flagOutputPlot  = flag.String("output_plot", "fqe_quality.png", "File where to save the plot of the "+
		"errors. Empty to skip.")
	flagColor = flag.Bool("color", true, "Print colored output.")

	lakeConfigFn = lake.RegisterFlags(flag.CommandLine)
	fqiConfigFn  = fqi.RegisterFlags(flag.CommandLine)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	var def *parameters.Definition
	if *flagConfig != "" {
		def = must.M1(parameters.LoadExperiment(*flagConfig, "fqe", flag.CommandLine))
	}

	ctx, cancel := context.WithCancel(context.Background())
	spinning.SafeInterrupt(cancel, 5*time.Second)
	defer cancel()
	if def != nil {
		ctx, cancel = must.M2(def.WithTrainingDeadline(ctx))
		defer cancel()
	}
	must.M(profilers.Setup(ctx))
	defer profilers.OnQuit()

	must.M(run(ctx))
}

// parseTrajectories parses either a list "50,100,200" or a range "50:1060:100".
func parseTrajectories(s string) ([]int, error) {
	if parts := strings.Split(s, ":"); len(parts) == 3 {
		var bounds [3]int
		for ii, part := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid range of trajectories %q", s)
			}
			bounds[ii] = v
		}
		if bounds[2] <= 0 {
			return nil, errors.Errorf("invalid range of trajectories %q, step must be positive", s)
		}
		var values []int
		for v := bounds[0]; v < bounds[1]; v += bounds[2] {
			values = append(values, v)
		}
		return values, nil
	}
	var values []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid list of trajectories %q", s)
		}
		values = append(values, v)
	}
	return values, nil
}

func run(ctx context.Context) error {
	lakeConfig, err := lakeConfigFn()
	if err != nil {
		return err
	}
	fqiConfig, err := fqiConfigFn()
	if err != nil {
		return err
	}
	trajectories, err := parseTrajectories(*flagTrajectories)
	if err != nil {
		return err
	}
	if len(trajectories) == 0 || *flagNumTrials <= 0 {
		return errors.New("nothing to run, set -trajectories and -num_trials")
	}
	experiment := &Experiment{
		LakeConfig:   lakeConfig,
		FQIConfig:    fqiConfig,
		Approximator: *flagApproximator,
		Epsilon:      *flagEpsilon,
		Seed:         *flagSeed,
	}

	spinner := spinning.New(ctx, fmt.Sprintf("Running %d trials for each of %v trajectories", *flagNumTrials, trajectories))
	start := time.Now()
	trials, err := experiment.Run(ctx, trajectories, *flagNumTrials, *flagParallelism)
	spinner.Done()
	if err != nil {
		return err
	}
	fmt.Printf("%d trials in %s\n", len(trials.Rows), time.Since(start))

	if *flagOutputCSV != "" {
		if err = trials.SaveCSV(*flagOutputCSV); err != nil {
			return err
		}
		klog.Infof("Trials saved to %q", *flagOutputCSV)
	}
	summary := trials.Summarize()
	if *flagOutputPlot != "" {
		if err = summary.PlotErrors(*flagOutputPlot); err != nil {
			return err
		}
		klog.Infof("Plot saved to %q", *flagOutputPlot)
	}
	ui := cli.New(*flagColor)
	ui.Print(ui.SummaryTable(summary))
	return nil
}
