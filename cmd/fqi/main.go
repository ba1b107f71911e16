// fqi collects a dataset on the frozen lake with an epsilon-greedy behavior policy, learns a policy from it
// with fitted Q iteration, and prints the learned policy with its exact value.
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators"
	_ "github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators/default"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env/lake"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/fqi"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ope"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/profilers"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ui/cli"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ui/spinning"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"
)

var (
	flagConfig       = flag.String("config", "", "Experiment YAML file of kind \"fqi\". Flags set in the command line take precedence.")
	flagApproximator = flag.String("approximator", approximators.DefaultConfig, "Configuration of the approximator, "+
		"e.g. \"fnn=/tmp/model,learning_rate=0.01\".")
	flagNumEpisodes = flag.Int("num_episodes", 1000, "Number of episodes collected by the behavior policy.")
	flagEpsilon     = flag.Float64("epsilon", 1, "Exploration of the behavior policy, epsilon-greedy around "+
		"a random fixed policy. 1 means uniformly random.")
	flagCost       = flag.String("cost", "c", "Cost to minimize: \"c\" for the primary cost, or \"g\" for the -constraint.")
	flagConstraint = flag.Int("constraint", 0, "Index of the constraint cost used with -cost=g.")
	flagLambda     = flag.String("lambda", "", "If set, comma-separated Lagrange multipliers: the cost minimized is "+
		"c + lambda·g.")
	flagSeed  = flag.Uint64("seed", 42, "Seed of the behavior policy and the lake.")
	flagColor = flag.Bool("color", true, "Print colored output.")

	lakeConfigFn = lake.RegisterFlags(flag.CommandLine)
	fqiConfigFn  = fqi.RegisterFlags(flag.CommandLine)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	var def *parameters.Definition
	if *flagConfig != "" {
		def = must.M1(parameters.LoadExperiment(*flagConfig, "fqi", flag.CommandLine))
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

func parseLambda(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	lambda := make([]float32, len(parts))
	for ii, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid -lambda=%q", s)
		}
		lambda[ii] = float32(v)
	}
	return lambda, nil
}

// selectCost sets the cost of the dataset according to the flags.
func selectCost(dataset *replay.Dataset) error {
	if *flagLambda != "" {
		lambda, err := parseLambda(*flagLambda)
		if err != nil {
			return err
		}
		return dataset.CalculateCost(lambda)
	}
	switch *flagCost {
	case "c":
		return dataset.SetCost(replay.KeyC)
	case "g":
		return dataset.SetCost(replay.KeyG, *flagConstraint)
	}
	return errors.Errorf("invalid -cost=%q, valid values are \"c\" or \"g\"", *flagCost)
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
	l, err := lake.New(lakeConfig, nil)
	if err != nil {
		return err
	}
	src := rand.NewSource(*flagSeed)
	base, err := policy.NewFixedFromMap(nil, l.NumStates(), l.NumActions(), src)
	if err != nil {
		return err
	}
	behavior := policy.NewEpsilonGreedy(base, *flagEpsilon, src)

	spinner := spinning.New(ctx, fmt.Sprintf("Collecting %d episodes of %s", *flagNumEpisodes, behavior))
	dataset := replay.NewDataset(1)
	err = ope.Collect(ctx, l, behavior, dataset, *flagNumEpisodes)
	spinner.Done()
	if err != nil {
		return err
	}
	if err = dataset.Preprocess(fqiConfig.Kind); err != nil {
		return err
	}
	if err = selectCost(dataset); err != nil {
		return err
	}
	fmt.Printf("Dataset: %d episodes, %d transitions, longest episode has %d steps\n",
		len(dataset.Episodes()), dataset.NumTransitions(), dataset.MaxTrajectoryLength())

	learner, err := approximators.New(*flagApproximator, l.Spec(1))
	if err != nil {
		return err
	}
	trainer := fqi.New(fqiConfig, learner)
	exact := ope.NewExact(l, float64(fqiConfig.Gamma))
	trainer.Evaluate = func(iteration int, q ai.ValueScorer) error {
		value, err := exact.Run(policy.Greedy{Scorer: q})
		if err != nil {
			return err
		}
		klog.Infof("Iteration %d: exact value of greedy policy %.4f", iteration, value)
		return nil
	}
	start := time.Now()
	q, err := trainer.Run(ctx, dataset)
	if err != nil {
		return err
	}
	fmt.Printf("%s trained in %s\n", trainer, time.Since(start))
	if err = q.Save(); err != nil {
		return err
	}

	greedy := policy.Greedy{Scorer: q}
	values, err := exact.Values(greedy)
	if err != nil {
		return err
	}
	ui := cli.New(*flagColor)
	ui.Print(ui.Banner(fmt.Sprintf("Exact value of the learned policy: %.4f", values[l.InitialState()])))
	fmt.Println()
	ui.Print(ui.PolicyGrid(l, greedy))
	fmt.Println()
	ui.Print(ui.ValueGrid(l, values))
	return nil
}
