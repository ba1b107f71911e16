package dqn

import (
	"context"
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/aitest"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain is a corridor of numStates cells: action 1 moves right, action 0 moves left. Reaching the last cell
// costs -1 and ends the episode.
type chain struct {
	numStates, pos int
}

func (c *chain) Reset() replay.Frame {
	c.pos = 0
	return ai.OneHotEncoding(c.numStates, c.pos)
}

func (c *chain) Step(action int) (replay.Frame, []float32, bool, error) {
	if c.pos == c.numStates-1 {
		return nil, nil, true, errors.New("episode over")
	}
	if action == 1 {
		c.pos++
	} else {
		c.pos = max(c.pos-1, 0)
	}
	done := c.pos == c.numStates-1
	cost := float32(0)
	if done {
		cost = -1
	}
	return ai.OneHotEncoding(c.numStates, c.pos), []float32{cost}, done, nil
}

func (c *chain) IsEarlyEpisodeTermination(float32) (bool, float32) { return false, 0 }
func (c *chain) MinCost() float32                                  { return -1 }
func (c *chain) NumActions() int                                   { return 2 }

// unitCost costs 1 per step, ends after maxSteps, and terminates early after earlySteps with a punishment.
type unitCost struct {
	steps, maxSteps, earlySteps int
	punishment                  float32
}

func (u *unitCost) Reset() replay.Frame {
	u.steps = 0
	return replay.Frame{0}
}

func (u *unitCost) Step(int) (replay.Frame, []float32, bool, error) {
	u.steps++
	return replay.Frame{float32(u.steps)}, []float32{1, 0}, u.steps >= u.maxSteps, nil
}

func (u *unitCost) IsEarlyEpisodeTermination(float32) (bool, float32) {
	if u.earlySteps > 0 && u.steps >= u.earlySteps {
		return true, u.punishment
	}
	return false, 0
}
func (u *unitCost) MinCost() float32 { return 1 }
func (u *unitCost) NumActions() int  { return 1 }

// countingTable counts the copies to the target.
type countingTable struct {
	*aitest.Table
	copies int
}

func (c *countingTable) Clone() (ai.ValueLearner, error) {
	return c.Table.Clone()
}

func (c *countingTable) CopyTo(dst ai.ValueLearner) error {
	c.copies++
	return c.Table.CopyTo(dst)
}

func TestPerformance(t *testing.T) {
	p := NewPerformance(0.85, 3)
	assert.False(t, p.ReachedGoal())
	assert.Zero(t, p.Average())
	for _, v := range []float64{0, 1, 1, 1} {
		p.Append(v)
	}
	assert.Equal(t, 1.0, p.Last())
	assert.Equal(t, 1.0, p.Average())
	assert.True(t, p.ReachedGoal())
	p.Append(0)
	assert.Equal(t, 0.667, p.Average())
	assert.False(t, p.ReachedGoal())
}

func TestLinearEpsilon(t *testing.T) {
	eps := LinearEpsilon(1, 0.1, 10)
	assert.Equal(t, 1.0, eps(0))
	assert.InDelta(t, 0.55, eps(5), 1e-12)
	assert.Equal(t, 0.1, eps(10))
	assert.Equal(t, 0.1, eps(1000))
}

func TestFrameSkipAndPunishment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumIterations = 1
	cfg.FrameSkip = 2
	cfg.BufferSize = 100
	cfg.MinBufferSizeToTrain = 100
	environment := &unitCost{maxSteps: 5}
	trainer, err := New(cfg, environment, aitest.NewTable(1, 1))
	require.NoError(t, err)
	_, err = trainer.Learn(context.Background())
	require.NoError(t, err)
	costs, err := trainer.Buffer.GetAll(replay.KeyC)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 1}, costs.Values)
	assert.Equal(t, 3, trainer.TimeSteps)
	assert.Equal(t, -1, trainer.TrainingIteration, "buffer never had enough transitions")

	environment = &unitCost{maxSteps: 10, earlySteps: 4, punishment: 10}
	trainer, err = New(cfg, environment, aitest.NewTable(1, 1))
	require.NoError(t, err)
	_, err = trainer.Learn(context.Background())
	require.NoError(t, err)
	costs, err = trainer.Buffer.GetAll(replay.KeyC)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 12}, costs.Values)
	dones, err := trainer.Buffer.GetAll(replay.KeyDone)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, dones.Values)
}

func TestMaxTimeInEpisode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumIterations = 2
	cfg.MaxTimeInEpisode = 7
	cfg.BufferSize = 100
	cfg.Goal = 100
	trainer, err := New(cfg, &unitCost{maxSteps: 1000}, aitest.NewTable(1, 1))
	require.NoError(t, err)
	stats, err := trainer.Learn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Episodes)
	assert.Equal(t, 14, stats.TimeSteps)
	assert.Equal(t, []float64{7, 7}, trainer.Performance.Values())
}

func TestLearnChain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumIterations = 500
	cfg.SampleEveryNTransitions = 1
	cfg.BatchSize = 16
	cfg.CopyTargetEveryMTrainingIterations = 5
	cfg.BufferSize = 2000
	cfg.MinBufferSizeToTrain = 20
	cfg.MaxTimeInEpisode = 20
	cfg.AvgOver = 20
	cfg.Seed = 7
	q := &countingTable{Table: aitest.NewTable(4, 2)}
	trainer, err := New(cfg, &chain{numStates: 4}, q)
	require.NoError(t, err)
	trainer.Epsilon = LinearEpsilon(1, 0.05, 50)
	var episodes int
	trainer.OnEpisodeEnd = func(EpisodeStats) { episodes++ }

	stats, err := trainer.Learn(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.ReachedGoal)
	assert.Equal(t, stats.Episodes, episodes)
	assert.Less(t, stats.Episodes, cfg.NumIterations)

	// Target copied every 5 training iterations, starting at the first.
	require.Greater(t, trainer.TrainingIteration, 0)
	assert.Equal(t, trainer.TrainingIteration/cfg.CopyTargetEveryMTrainingIterations+1, q.copies)
	assert.Equal(t, trainer.TrainingIteration+1, q.LearnCalls)

	for s := range 3 {
		assert.Equal(t, 1, trainer.Act(ai.OneHotEncoding(4, s)), "state %d should move right", s)
	}
	assert.InDelta(t, -0.81, q.Value(0, 1), 1e-5)
}

func TestNewErrors(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg, &chain{numStates: 4}, aitest.NewTable(4, 3))
	require.Error(t, err, "action space mismatch")
	cfg.ActionSpaceMap = []int{1, 0, 1}
	_, err = New(cfg, &chain{numStates: 4}, aitest.NewTable(4, 3))
	require.NoError(t, err)
	cfg.SampleEveryNTransitions = 0
	_, err = New(cfg, &chain{numStates: 4}, aitest.NewTable(4, 3))
	require.Error(t, err)
}
