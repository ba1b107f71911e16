package fqi

import (
	"flag"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
)

// RegisterFlags defines the flags of the fitted iteration Config in flagSet. It returns the function that
// builds the Config from their values, to be called after parsing.
func RegisterFlags(flagSet *flag.FlagSet) func() (Config, error) {
	defaults := DefaultConfig()
	maxEpochs := flagSet.Int("max_epochs", defaults.MaxEpochs, "Number of fitted iterations.")
	gamma := flagSet.Float64("gamma", float64(defaults.Gamma), "Discount factor.")
	fitEpochs := flagSet.Int("fit_epochs", defaults.FitEpochs, "Maximum number of epochs of each fit.")
	epsilon := flagSet.Float64("convergence_epsilon", defaults.Epsilon, "Fits stop when the loss changes less "+
		"than this value between consecutive epochs.")
	diff := flagSet.Float64("convergence_diff", defaults.Diff, "With -convergence_use_both, fits also stop when "+
		"the loss itself is below this value.")
	useBoth := flagSet.Bool("convergence_use_both", defaults.UseBoth, "Fits stop on either the plateau of the "+
		"loss (-convergence_epsilon) or a loss below -convergence_diff. If false, only the plateau is checked.")
	batchSize := flagSet.Int("fit_batch_size", defaults.BatchSize, "Batch size of the fits. 0 means the whole "+
		"dataset (or the approximator's batch size, if -windowed).")
	windowed := flagSet.Bool("windowed", defaults.Windowed, "Keep a frozen copy of the approximator to compute "+
		"targets, and fit with batches generated concurrently.")
	sampling := flagSet.String("sampling", defaults.Sampling.String(), "Sampling of the batches of -windowed "+
		"fits: \"permutation\" or \"uniform\".")
	workers := flagSet.Int("workers", defaults.Workers, "Number of concurrent batch generators of -windowed fits.")
	skim := flagSet.Bool("skim", defaults.Skim, "Drop repeated (state, action, next state) transitions.")
	kind := flagSet.String("domain", defaults.Kind.String(), "Domain of the dataset: \"lake\" or \"car\".")
	seed := flagSet.Uint64("fit_seed", defaults.Seed, "Seed for shuffling and sampling of the fits.")
	return func() (cfg Config, err error) {
		cfg = Config{
			MaxEpochs: *maxEpochs,
			Gamma:     float32(*gamma),
			FitEpochs: *fitEpochs,
			Epsilon:   *epsilon,
			Diff:      *diff,
			UseBoth:   *useBoth,
			BatchSize: *batchSize,
			Windowed:  *windowed,
			Workers:   *workers,
			Skim:      *skim,
			Seed:      *seed,
		}
		if cfg.Sampling, err = ParseSampling(*sampling); err != nil {
			return
		}
		cfg.Kind, err = replay.ParseDomainKind(*kind)
		return
	}
}
