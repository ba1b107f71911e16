package parameters

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("fnn=/tmp/model,learning_rate=0.01,,skim, expr=a=b")
	assert.Equal(t, Params{"fnn": "/tmp/model", "learning_rate": "0.01", "skim": "", "expr": "a=b"}, params)
	assert.Equal(t, "expr=a=b,fnn=/tmp/model,learning_rate=0.01,skim", params.String())

	lr, err := PopParamOr(params, "learning_rate", 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0.01, lr)
	assert.NotContains(t, params, "learning_rate")

	skim, err := GetParamOr(params, "skim", false)
	require.NoError(t, err)
	assert.True(t, skim)

	steps, err := GetParamOr(params, "steps", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, steps)

	_, err = GetParamOr(Params{"steps": "x"}, "steps", 7)
	require.Error(t, err)
}

const experimentYAML = `
kind: fqi
def:
  trainingDeadline: 90s
  approximator: "linear,learning_rate=0.2"
  hyperParams:
    - key: gamma
      val: 0.9
    - key: max_epochs
      val: 50
    - key: windowed
      val: true
`

func writeExperiment(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFromYAML(t *testing.T) {
	kind, def, err := FromYAML(writeExperiment(t, experimentYAML))
	require.NoError(t, err)
	assert.Equal(t, "fqi", kind)
	assert.Equal(t, "linear,learning_rate=0.2", def.Approximator)
	params := def.Params()
	assert.Equal(t, Params{"gamma": "0.9", "max_epochs": "50", "windowed": "true"}, params)

	ctx, cancel, err := def.WithTrainingDeadline(context.Background())
	require.NoError(t, err)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(90*time.Second), deadline, 5*time.Second)

	_, _, err = FromYAML(writeExperiment(t, "def:\n  approximator: fnn\n"))
	require.Error(t, err, "missing kind")
	_, _, err = FromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyToFlags(t *testing.T) {
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	gamma := flagSet.Float64("gamma", 0.95, "")
	maxEpochs := flagSet.Int("max-epochs", 10, "")
	windowed := flagSet.Bool("windowed", false, "")
	require.NoError(t, flagSet.Parse([]string{"-max-epochs=3"}))

	params := Params{"gamma": "0.9", "max_epochs": "50", "windowed": "true", "unknown": "1"}
	require.NoError(t, ApplyToFlags(params, flagSet))
	assert.Equal(t, 0.9, *gamma)
	assert.Equal(t, 3, *maxEpochs, "command line takes precedence")
	assert.True(t, *windowed)
	assert.Equal(t, Params{"unknown": "1"}, params)

	flagSet = flag.NewFlagSet("test", flag.ContinueOnError)
	flagSet.Float64("gamma", 0.95, "")
	require.Error(t, ApplyToFlags(Params{"gamma": "abc"}, flagSet))
}

func TestLoadExperiment(t *testing.T) {
	newFlags := func() (*flag.FlagSet, *string, *float64) {
		flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
		approximator := flagSet.String("approximator", "linear", "")
		gamma := flagSet.Float64("gamma", 0.95, "")
		flagSet.Int("max_epochs", 10, "")
		flagSet.Bool("windowed", false, "")
		return flagSet, approximator, gamma
	}
	path := writeExperiment(t, experimentYAML)

	flagSet, approximator, gamma := newFlags()
	def, err := LoadExperiment(path, "fqi", flagSet)
	require.NoError(t, err)
	assert.Equal(t, "90s", def.TrainingDeadline)
	assert.Equal(t, "linear,learning_rate=0.2", *approximator)
	assert.Equal(t, 0.9, *gamma)

	flagSet, _, _ = newFlags()
	_, err = LoadExperiment(path, "dqn", flagSet)
	require.Error(t, err, "wrong kind")

	flagSet = flag.NewFlagSet("test", flag.ContinueOnError)
	flagSet.String("approximator", "", "")
	_, err = LoadExperiment(path, "fqi", flagSet)
	require.ErrorContains(t, err, "unknown hyperparameters")
}
