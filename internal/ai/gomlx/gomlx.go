// Package gomlx implements neural value approximators (ai.ValueLearner) with GoMLX.
//
// It separates the Approximator, which handles executors, locking, checkpoints and parameter copies, from
// the GoMLX models that support it: FNN (feed-forward on the flattened state and the one-hot action) and
// CNN (convolutional on grid frames).
package gomlx

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type ModelType int

const (
	ModelNone ModelType = iota
	ModelFNN
	ModelCNN
)

// String implements fmt.Stringer. It's also the name used in configuration.
func (t ModelType) String() string {
	switch t {
	case ModelNone:
		return "none"
	case ModelFNN:
		return "fnn"
	case ModelCNN:
		return "cnn"
	}
	return fmt.Sprintf("ModelType(%d)", int(t))
}

// ModelTypeValues returns all model types.
func ModelTypeValues() []ModelType {
	return []ModelType{ModelNone, ModelFNN, ModelCNN}
}

var (
	// Backend is a singleton, the same for all approximators.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewClient is a Mutex used to synchronize access to GoMLX client initialization
	// or related critical sections.
	muNewClient sync.Mutex
)

// New creates a GoMLX based approximator of the given type.
//
// filePath is the directory where the model checkpoints are saved. If it exists, the model is loaded
// from it, otherwise it is created with random weights. If empty, the model is not saved.
// If filePath is "help", the hyperparameters of the model are listed and an error is returned.
//
// params may overwrite any of the model hyperparameters, and the ones used are removed from it.
func New(modelType ModelType, filePath string, spec ai.Spec, params parameters.Params) (*Approximator, error) {
	var model Model
	switch modelType {
	case ModelFNN:
		model = NewFNN(spec)
	case ModelCNN:
		cnn, err := NewCNN(spec)
		if err != nil {
			return nil, err
		}
		model = cnn
	default:
		return nil, errors.Errorf("model type %s defined but not implemented", modelType)
	}
	approximator, err := newApproximator(modelType, filePath, model, spec, params)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created new approximator %s", approximator)
	return approximator, nil
}

// extractParams and write them as context hyperparameters
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (int) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float64) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (float32) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing %q (bool) for model %s", key, modelName)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("model %s parameter %q is of unknown type %T", modelName, key, defaultValue)
		}
	})
	return err
}
