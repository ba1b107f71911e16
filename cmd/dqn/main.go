// dqn trains a Q approximator on the frozen lake with deep Q learning, and prints the learned policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/janpfeifer/must"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators"
	_ "github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators/default"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/dqn"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env/lake"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ope"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/profilers"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/report"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ui/cli"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ui/spinning"
	"k8s.io/klog/v2"
)

var (
	flagConfig       = flag.String("config", "", "Experiment YAML file of kind \"dqn\". Flags set in the command line take precedence.")
	flagApproximator = flag.String("approximator", approximators.DefaultConfig, "Configuration of the Q approximator, "+
		"e.g. \"cnn=/tmp/dqn_model,learning_rate=0.001\".")
	flagEpsilonStart = flag.Float64("epsilon_start", 1, "Initial exploration probability.")
	flagEpsilonEnd   = flag.Float64("epsilon_end", 0.05, "Final exploration probability.")
	flagEpsilonDecay = flag.Int("epsilon_decay", 0, "Number of episodes over which exploration decays linearly. "+
		"0 means half of -num_iterations.")
	flagPrintEvery = flag.Int("print_every", 100, "Print progress every this many episodes. 0 disables it.")
	flagPlot       = flag.String("plot", "", "If set, file where to save the plot of the performance per episode.")
	flagColor      = flag.Bool("color", true, "Print colored output.")

	lakeConfigFn = lake.RegisterFlags(flag.CommandLine)
	dqnConfigFn  = registerFlags(flag.CommandLine)
)

// registerFlags defines the flags of dqn.Config, and returns the function that builds it after parsing.
func registerFlags(flagSet *flag.FlagSet) func() dqn.Config {
	defaults := dqn.DefaultConfig()
	numIterations := flagSet.Int("num_iterations", defaults.NumIterations, "Maximum number of episodes.")
	gamma := flagSet.Float64("gamma", float64(defaults.Gamma), "Discount factor.")
	sampleEvery := flagSet.Int("sample_every_n_transitions", defaults.SampleEveryNTransitions,
		"Take a training step every this many agent steps.")
	batchSize := flagSet.Int("batch_size", defaults.BatchSize, "Batch size of each training step.")
	copyTargetEvery := flagSet.Int("copy_target_every_m_training_iterations", defaults.CopyTargetEveryMTrainingIterations,
		"Copy the approximator to the target every this many training steps.")
	frameSkip := flagSet.Int("frame_skip", defaults.FrameSkip, "Repeat every action this many times.")
	bufferSize := flagSet.Int("buffer_size", defaults.BufferSize, "Capacity of the replay buffer.")
	numFrameStack := flagSet.Int("num_frame_stack", defaults.NumFrameStack, "Number of frames of each state.")
	minBufferSize := flagSet.Int("min_buffer_size_to_train", defaults.MinBufferSizeToTrain,
		"Training starts after the buffer holds more than this many transitions.")
	maxTimeInEpisode := flagSet.Int("max_time_in_episode", defaults.MaxTimeInEpisode,
		"Episodes end after this many agent steps.")
	goal := flagSet.Float64("goal", defaults.Goal, "Training stops when the average performance reaches this value.")
	avgOver := flagSet.Int("avg_over", defaults.AvgOver, "Number of episodes averaged for the performance goal.")
	seed := flagSet.Uint64("seed", defaults.Seed, "Seed of the exploration.")
	return func() dqn.Config {
		cfg := defaults
		cfg.NumIterations = *numIterations
		cfg.Gamma = float32(*gamma)
		cfg.SampleEveryNTransitions = *sampleEvery
		cfg.BatchSize = *batchSize
		cfg.CopyTargetEveryMTrainingIterations = *copyTargetEvery
		cfg.FrameSkip = *frameSkip
		cfg.BufferSize = *bufferSize
		cfg.NumFrameStack = *numFrameStack
		cfg.MinBufferSizeToTrain = *minBufferSize
		cfg.MaxTimeInEpisode = *maxTimeInEpisode
		cfg.Goal = *goal
		cfg.AvgOver = *avgOver
		cfg.Seed = *seed
		return cfg
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	var def *parameters.Definition
	if *flagConfig != "" {
		def = must.M1(parameters.LoadExperiment(*flagConfig, "dqn", flag.CommandLine))
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

func run(ctx context.Context) error {
	lakeConfig, err := lakeConfigFn()
	if err != nil {
		return err
	}
	cfg := dqnConfigFn()
	l, err := lake.New(lakeConfig, nil)
	if err != nil {
		return err
	}
	q, err := approximators.New(*flagApproximator, l.Spec(cfg.NumFrameStack))
	if err != nil {
		return err
	}
	trainer, err := dqn.New(cfg, l, q)
	if err != nil {
		return err
	}
	decay := *flagEpsilonDecay
	if decay <= 0 {
		decay = cfg.NumIterations / 2
	}
	trainer.Epsilon = dqn.LinearEpsilon(*flagEpsilonStart, *flagEpsilonEnd, decay)
	if *flagPrintEvery > 0 {
		trainer.OnEpisodeEnd = func(stats dqn.EpisodeStats) {
			if (stats.Episode+1)%*flagPrintEvery == 0 {
				fmt.Printf("Episode %d: %d agent steps, %d training steps, epsilon %.3f, average performance %.3f\n",
					stats.Episode+1, stats.TimeSteps, stats.TrainingIteration+1, stats.Epsilon, stats.AveragePerformance)
			}
		}
	}

	start := time.Now()
	stats, err := trainer.Learn(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d episodes, %d agent steps, %d training steps in %s\n",
		trainer, stats.Episodes, stats.TimeSteps, stats.TrainingIterations, time.Since(start))
	if err = q.Save(); err != nil {
		return err
	}
	if *flagPlot != "" {
		if err = report.PlotPerformance(*flagPlot, trainer.Performance.Values(), cfg.AvgOver); err != nil {
			return err
		}
		klog.Infof("Performance plot saved to %q", *flagPlot)
	}

	ui := cli.New(*flagColor)
	msg := fmt.Sprintf("Average performance %.3f", stats.AveragePerformance)
	if stats.ReachedGoal {
		msg += fmt.Sprintf(": goal %.3f reached!", cfg.Goal)
	}
	ui.Print(ui.Banner(msg))
	if cfg.NumFrameStack > 1 {
		// Policy and values are rendered for single frame states only.
		return nil
	}
	greedy := policy.Greedy{Scorer: q}
	values, err := ope.NewExact(l, float64(cfg.Gamma)).Values(greedy)
	if err != nil {
		return err
	}
	fmt.Println()
	ui.Print(ui.PolicyGrid(l, greedy))
	fmt.Println()
	ui.Print(ui.ValueGrid(l, values))
	return nil
}
