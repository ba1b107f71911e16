// Package approximators provides a factory of value approximators from configuration strings.
// It also allows approximator providers to register themselves.
package approximators

import (
	"slices"
	"strings"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/generics"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module must implement New, which creates a learner for the given domain.
//
// filePath is the value associated with the module name in the configuration, usually where the model is saved to
// or loaded from. The module must remove from params the ones it uses.
type Module interface {
	New(filePath string, spec ai.Spec, params parameters.Params) (ai.ValueLearner, error)
}

// ModuleFunc adapts a function to a Module.
type ModuleFunc func(filePath string, spec ai.Spec, params parameters.Params) (ai.ValueLearner, error)

// New implements Module.
func (fn ModuleFunc) New(filePath string, spec ai.Spec, params parameters.Params) (ai.ValueLearner, error) {
	return fn(filePath, spec, params)
}

var (
	// Registered external modules.
	keywordToModules = make(map[string]Module)

	// DefaultConfig is used if no configuration was given. The value may be changed by the program.
	DefaultConfig = "linear"
)

// RegisterModule so it can be used by any of the trainers.
func RegisterModule(name string, module Module) {
	if _, found := keywordToModules[name]; found {
		klog.Warningf("approximator %q registered twice, the last registration is used", name)
	}
	keywordToModules[name] = module
}

// Registered returns the sorted names of the registered modules.
func Registered() []string {
	return slices.Collect(generics.SortedKeys(keywordToModules))
}

// New creates a new approximator given the configuration string.
//
// The config is a comma-separated list of parameters with optional values associated. Exactly one of them
// must be the name of a registered module (e.g. "linear", "fnn" or "cnn"), whose value is an optional
// path for the model. The other parameters are passed to the module, and all of them must be used.
//
// E.g.: "fnn=/tmp/fqe_model,learning_rate=0.01,batch_size=64".
func New(config string, spec ai.Spec) (ai.ValueLearner, error) {
	if config == "" {
		config = DefaultConfig
	}
	if len(keywordToModules) == 0 {
		return nil, errors.New("no registered approximators. Perhaps you need to import _ \"github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators/default\" to your binary ?")
	}
	params := parameters.NewFromConfigString(config)

	var moduleName string
	for name := range generics.SortedKeys(params) {
		if _, found := keywordToModules[name]; !found {
			continue
		}
		if moduleName != "" {
			return nil, errors.Errorf("multiple approximators (%q and %q) defined in %q", moduleName, name, config)
		}
		moduleName = name
	}
	if moduleName == "" {
		return nil, errors.Errorf("no approximator defined in %q, registered ones are %q", config, Registered())
	}
	filePath := params[moduleName]
	delete(params, moduleName)

	learner, err := keywordToModules[moduleName].New(filePath, spec, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create approximator %q", moduleName)
	}

	// Check that all parameters were processed.
	if len(params) > 0 {
		return nil, errors.Errorf("unknown approximator parameters \"%s\" passed in %q",
			strings.Join(slices.Collect(generics.SortedKeys(params)), "\", \""), config)
	}
	return learner, nil
}
