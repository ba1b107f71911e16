package parameters

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Experiment is the YAML experiment file format:
//
//	kind: fqi
//	def:
//	  trainingDeadline: 2h
//	  approximator: "fnn,learning_rate=0.01"
//	  hyperParams:
//	    - key: gamma
//	      val: 0.9
//	    - key: max_epochs
//	      val: 50
type Experiment struct {
	// Kind of the experiment, the name of the command it configures (dqn, fqe, fqi).
	Kind string `mapstructure:"kind"`
	// Def is unmarshalled in two steps: first generically by viper, then as a Definition with yaml.
	Def any `mapstructure:"def"`
}

// HyperParam is one key/value entry of the experiment definition.
type HyperParam struct {
	Key string `yaml:"key"`
	Val any    `yaml:"val"`
}

// Definition holds the contents of the "def" section of an experiment file.
//
// Viper lowercases the keys it reads, hence the lowercase yaml tags.
type Definition struct {
	TrainingDeadline string       `yaml:"trainingdeadline"`
	Approximator     string       `yaml:"approximator"`
	HyperParams      []HyperParam `yaml:"hyperparams"`
}

// FromYAML reads an experiment file and returns its kind and its definition.
func FromYAML(path string) (kind string, def *Definition, err error) {
	vp := viper.New()
	vp.SetConfigType("yaml")
	vp.SetConfigFile(path)
	if err = vp.ReadInConfig(); err != nil {
		return "", nil, errors.Wrapf(err, "failed to read experiment file %q", path)
	}

	outer := &Experiment{}
	if err = vp.Unmarshal(outer); err != nil {
		return "", nil, errors.Wrapf(err, "failed to parse experiment file %q", path)
	}
	if outer.Kind == "" {
		return "", nil, errors.Errorf("experiment file %q has no \"kind\"", path)
	}

	// Re-marshal the definition, to parse it with the yaml field names.
	spec, err := yaml.Marshal(outer.Def)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to re-marshal definition of experiment file %q", path)
	}
	def = &Definition{}
	if err = yaml.Unmarshal(spec, def); err != nil {
		return "", nil, errors.Wrapf(err, "failed to parse definition of experiment file %q", path)
	}
	for ii, hp := range def.HyperParams {
		if hp.Key == "" {
			return "", nil, errors.Errorf("experiment file %q: hyperParams[%d] has no key", path, ii)
		}
	}
	return outer.Kind, def, nil
}

// Params returns the hyperparameters as Params, the values formatted as strings.
// Later entries overwrite earlier ones with the same key.
func (def *Definition) Params() Params {
	params := make(Params, len(def.HyperParams))
	for _, hp := range def.HyperParams {
		if hp.Val == nil {
			params[hp.Key] = ""
			continue
		}
		params[hp.Key] = fmt.Sprint(hp.Val)
	}
	return params
}

// WithTrainingDeadline returns a context that is cancelled after the training deadline, if one is set.
func (def *Definition) WithTrainingDeadline(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if def.TrainingDeadline == "" {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	deadline, err := time.ParseDuration(def.TrainingDeadline)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse trainingDeadline %q", def.TrainingDeadline)
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	return ctx, cancel, nil
}

// ApplyToFlags sets the flags named by params, using the flag name with "-" replaced by "_" as the key.
// Flags set explicitly in the command line take precedence and are not changed.
//
// Keys that don't match any flag are left in params, the ones used are removed.
func ApplyToFlags(params Params, flagSet *flag.FlagSet) error {
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	var err error
	flagSet.VisitAll(func(f *flag.Flag) {
		if err != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		value, found := params[key]
		if !found {
			return
		}
		delete(params, key)
		if explicit[f.Name] {
			klog.V(1).Infof("Flag -%s set in the command line, ignoring experiment value %q", f.Name, value)
			return
		}
		if setErr := flagSet.Set(f.Name, value); setErr != nil {
			err = errors.Wrapf(setErr, "failed to set flag -%s=%q from experiment file", f.Name, value)
		}
	})
	return err
}

// LoadExperiment reads the experiment file at path, checks it is of the given kind, and applies its
// hyperparameters to the flags of flagSet. The approximator of the definition is applied to the flag
// "approximator".
//
// Hyperparameters that don't match any flag are an error.
func LoadExperiment(path, kind string, flagSet *flag.FlagSet) (*Definition, error) {
	fileKind, def, err := FromYAML(path)
	if err != nil {
		return nil, err
	}
	if fileKind != kind {
		return nil, errors.Errorf("experiment file %q is of kind %q, expected %q", path, fileKind, kind)
	}
	params := def.Params()
	if def.Approximator != "" {
		if _, found := params["approximator"]; !found {
			params["approximator"] = def.Approximator
		}
	}
	if err = ApplyToFlags(params, flagSet); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown hyperparameters in experiment file %q: %s", path, params)
	}
	return def, nil
}
