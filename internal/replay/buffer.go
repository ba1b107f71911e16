package replay

import (
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrEpisodeNotStarted is returned when transitions are appended (or the current state is requested)
	// without an open episode.
	ErrEpisodeNotStarted = errors.New("no episode open: call StartNewEpisode first")

	// ErrEpisodeInProgress is returned when a new episode is started (or the data is consolidated) while
	// the previous episode has not reached a terminal transition.
	ErrEpisodeInProgress = errors.New("previous episode didn't end yet")

	// ErrEmptyBuffer is returned when sampling from a buffer without transitions.
	ErrEmptyBuffer = errors.New("replay buffer has no transitions")

	// ErrNotPreprocessed is returned when the consolidated fields are accessed before Preprocess.
	ErrNotPreprocessed = errors.New("data not preprocessed: call Preprocess first")

	// ErrCostNotSet is returned when the scalar cost is needed but neither SetCost nor CalculateCost was called.
	ErrCostNotSet = errors.New("cost not set: call SetCost or CalculateCost first")

	// ErrConstraintIndexRequired is returned by SetCost(KeyG) without a constraint index: constraints are
	// evaluated one at a time.
	ErrConstraintIndexRequired = errors.New("constraint costs must be selected one constraint at a time, index required")
)

// Config of a Buffer.
type Config struct {
	// NumFrameStack is the number of frames in a state window.
	NumFrameStack int

	// Capacity is the maximum number of transitions held, older ones are overwritten.
	Capacity int

	// MinSizeToTrain is the number of transitions that must be exceeded before IsEnough returns true.
	MinSizeToTrain int
}

// Batch of materialized transitions returned by Buffer.Sample.
type Batch struct {
	// Indices of the transitions in the buffer.
	Indices    []int
	States     [][]float32
	Actions    []int
	NextStates [][]float32
	Rewards    [][]float32
	Dones      []bool
}

// Costs returns the primary cost (first element of the reward vector) of each transition.
func (b *Batch) Costs() []float32 {
	costs := make([]float32, len(b.Rewards))
	for ii, r := range b.Rewards {
		if len(r) > 0 {
			costs[ii] = r[0]
		}
	}
	return costs
}

// StateActionPairs are the regression inputs: one state and one action per transition.
type StateActionPairs struct {
	Kind    DomainKind
	States  [][]float32
	Actions []int
}

// Buffer is a windowed replay buffer: it records transitions (previous window, action, next window, reward
// vector, done) where windows are NumFrameStack slot indices into a FrameStore.
//
// When full it overwrites the oldest transition. The frame store has Capacity+2*NumFrameStack+1 slots, enough
// that no frame referenced by a valid transition is overwritten before the transition itself is.
//
// Frame slots advance with the transitions counter, and StartNewEpisode reuses the slot of the counter without
// advancing it: so the first frame of an episode takes the slot of the terminal next-state of the previous
// episode. Terminal next-states are never bootstrapped from (their value is masked by done).
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	cfg           Config
	maxFrameCache int
	frames        *FrameStore

	// Per transition slot.
	prevWindows, nextWindows [][]int
	actions                  []int
	rewards                  [][]float32
	dones                    []bool
	rewardSize               int

	window              []int
	expectingNewEpisode bool
	counter             int

	// Consolidated fields, filled by Preprocess.
	data         map[Key]Column
	preprocessed bool
	pairs        *StateActionPairs
}

// NewBuffer creates an empty buffer.
func NewBuffer(cfg Config) (*Buffer, error) {
	if cfg.NumFrameStack < 1 {
		return nil, errors.Errorf("NumFrameStack must be >= 1, got %d", cfg.NumFrameStack)
	}
	if cfg.Capacity < 1 {
		return nil, errors.Errorf("Capacity must be >= 1, got %d", cfg.Capacity)
	}
	b := &Buffer{
		cfg:                 cfg,
		maxFrameCache:       cfg.Capacity + 2*cfg.NumFrameStack + 1,
		prevWindows:         make([][]int, cfg.Capacity),
		nextWindows:         make([][]int, cfg.Capacity),
		actions:             make([]int, cfg.Capacity),
		rewards:             make([][]float32, cfg.Capacity),
		dones:               make([]bool, cfg.Capacity),
		rewardSize:          -1,
		expectingNewEpisode: true,
	}
	b.frames = NewFrameStore(b.maxFrameCache)
	for ii := range cfg.Capacity {
		b.prevWindows[ii] = make([]int, cfg.NumFrameStack)
		b.nextWindows[ii] = make([]int, cfg.NumFrameStack)
	}
	return b, nil
}

// Config returns the configuration of the buffer.
func (b *Buffer) Config() Config { return b.cfg }

// MaxFrameCache is the number of slots of the frame arena.
func (b *Buffer) MaxFrameCache() int { return b.maxFrameCache }

// Counter is the total number of transitions ever appended.
func (b *Buffer) Counter() int { return b.counter }

// Len is the number of valid transitions, at most Capacity.
func (b *Buffer) Len() int { return min(b.cfg.Capacity, b.counter) }

// IsOver returns whether the last episode reached a terminal transition (or none was started).
func (b *Buffer) IsOver() bool { return b.expectingNewEpisode }

// IsEnough returns whether more than MinSizeToTrain transitions were inserted.
func (b *Buffer) IsEnough() bool { return b.counter > b.cfg.MinSizeToTrain }

// StartNewEpisode opens a new episode whose initial window is NumFrameStack copies of frame.
func (b *Buffer) StartNewEpisode(frame Frame) error {
	if !b.expectingNewEpisode {
		return ErrEpisodeInProgress
	}
	frameIdx := b.counter % b.maxFrameCache
	if err := b.frames.Put(frameIdx, frame); err != nil {
		return err
	}
	if b.window == nil {
		b.window = make([]int, b.cfg.NumFrameStack)
	}
	for ii := range b.window {
		b.window[ii] = frameIdx
	}
	b.expectingNewEpisode = false
	b.invalidate()
	return nil
}

// Append records the transition from the current window, taking action, to the window with frame slid in.
// reward[0] is the primary cost and reward[1:] are the constraint costs, if any.
// If done, the episode is closed.
func (b *Buffer) Append(action int, frame Frame, reward []float32, done bool) error {
	if b.window == nil || b.expectingNewEpisode {
		return ErrEpisodeNotStarted
	}
	if b.rewardSize == -1 {
		b.rewardSize = len(reward)
	} else if len(reward) != b.rewardSize {
		return errors.Errorf("reward vector with %d values, previous transitions had %d", len(reward), b.rewardSize)
	}
	frameIdx := (b.counter + 1) % b.maxFrameCache
	if err := b.frames.Put(frameIdx, frame); err != nil {
		return err
	}
	b.counter++
	expIdx := (b.counter - 1) % b.cfg.Capacity

	copy(b.prevWindows[expIdx], b.window)
	copy(b.window, b.window[1:])
	b.window[len(b.window)-1] = frameIdx
	copy(b.nextWindows[expIdx], b.window)
	b.actions[expIdx] = action
	b.dones[expIdx] = done
	if b.rewards[expIdx] == nil {
		b.rewards[expIdx] = make([]float32, len(reward))
	}
	copy(b.rewards[expIdx], reward)
	if done {
		b.expectingNewEpisode = true
	}
	b.invalidate()
	return nil
}

// CurrentState materializes the current window: NumFrameStack frames concatenated, oldest first.
func (b *Buffer) CurrentState() ([]float32, error) {
	if b.window == nil {
		return nil, ErrEpisodeNotStarted
	}
	return b.frames.Gather(b.window), nil
}

// Sample draws n transitions uniformly at random, with replacement, among the valid ones.
// Duplicates are expected whenever n is comparable to Len.
func (b *Buffer) Sample(n int, rng *rand.Rand) (Batch, error) {
	if b.counter == 0 {
		return Batch{}, ErrEmptyBuffer
	}
	if n < 0 {
		return Batch{}, errors.Errorf("invalid sample size %d", n)
	}
	count := b.Len()
	indices := make([]int, n)
	for ii := range indices {
		indices[ii] = rng.IntN(count)
	}
	return b.Transitions(indices), nil
}

// Transitions materializes the transitions at the given buffer indices.
func (b *Buffer) Transitions(indices []int) Batch {
	batch := Batch{
		Indices:    indices,
		States:     make([][]float32, len(indices)),
		Actions:    make([]int, len(indices)),
		NextStates: make([][]float32, len(indices)),
		Rewards:    make([][]float32, len(indices)),
		Dones:      make([]bool, len(indices)),
	}
	for ii, idx := range indices {
		batch.States[ii] = b.frames.Gather(b.prevWindows[idx])
		batch.Actions[ii] = b.actions[idx]
		batch.NextStates[ii] = b.frames.Gather(b.nextWindows[idx])
		batch.Rewards[ii] = slices.Clone(b.rewards[idx])
		batch.Dones[ii] = b.dones[idx]
	}
	return batch
}

// chronological returns the indices of the valid transitions, oldest first.
func (b *Buffer) chronological() []int {
	count := b.Len()
	indices := make([]int, count)
	start := 0
	if b.counter > b.cfg.Capacity {
		start = b.counter % b.cfg.Capacity
	}
	for ii := range indices {
		indices[ii] = (start + ii) % b.cfg.Capacity
	}
	return indices
}

// GetAll extracts one field for all valid transitions, oldest transition first.
//
// KeyCost has no raw source, and returns an empty column: see SetCost and CalculateCost.
func (b *Buffer) GetAll(key Key) (Column, error) {
	indices := b.chronological()
	switch key {
	case KeyX, KeyXPrime:
		windows := b.prevWindows
		if key == KeyXPrime {
			windows = b.nextWindows
		}
		width := b.cfg.NumFrameStack * max(b.frames.FrameSize(), 0)
		col := Column{Rows: len(indices), Width: width, Values: make([]float32, 0, len(indices)*width)}
		for _, idx := range indices {
			col.Values = append(col.Values, b.frames.Gather(windows[idx])...)
		}
		return col, nil
	case KeyA:
		return b.scalarColumn(indices, func(idx int) float32 { return float32(b.actions[idx]) }), nil
	case KeyDone:
		return b.scalarColumn(indices, func(idx int) float32 {
			if b.dones[idx] {
				return 1
			}
			return 0
		}), nil
	case KeyC:
		return b.scalarColumn(indices, func(idx int) float32 {
			if len(b.rewards[idx]) == 0 {
				return 0
			}
			return b.rewards[idx][0]
		}), nil
	case KeyG:
		width := max(b.rewardSize-1, 0)
		col := Column{Rows: len(indices), Width: width, Values: make([]float32, 0, len(indices)*width)}
		for _, idx := range indices {
			if width > 0 {
				col.Values = append(col.Values, b.rewards[idx][1:]...)
			}
		}
		return col, nil
	case KeyCost:
		return Column{Width: 1}, nil
	}
	return Column{}, errors.Errorf("unknown field %q", key)
}

func (b *Buffer) scalarColumn(indices []int, fn func(idx int) float32) Column {
	col := Column{Rows: len(indices), Width: 1, Values: make([]float32, len(indices))}
	for ii, idx := range indices {
		col.Values[ii] = fn(idx)
	}
	return col
}

// Preprocess extracts every field into the consolidated view, see Get.
func (b *Buffer) Preprocess(kind DomainKind) error {
	data := make(map[Key]Column, len(Keys))
	for _, key := range Keys {
		col, err := b.GetAll(key)
		if err != nil {
			return err
		}
		data[key] = col
	}
	b.invalidate()
	b.data = data
	b.preprocessed = true
	_, err := b.StateActionPairs(kind)
	return err
}

// Get returns a consolidated field. It requires Preprocess.
func (b *Buffer) Get(key Key) (Column, error) {
	if !b.preprocessed {
		return Column{}, ErrNotPreprocessed
	}
	col, found := b.data[key]
	if !found {
		return Column{}, errors.Errorf("unknown field %q", key)
	}
	if key == KeyCost && col.Rows != b.data[KeyC].Rows {
		return Column{}, ErrCostNotSet
	}
	return col, nil
}

// SetCost selects the field used as scalar cost: KeyC, or column idx of KeyG.
func (b *Buffer) SetCost(key Key, idx ...int) error {
	if !b.preprocessed {
		return ErrNotPreprocessed
	}
	cost, err := selectCost(b.data, key, idx)
	if err != nil {
		return err
	}
	b.data[KeyCost] = cost
	return nil
}

// CalculateCost sets the scalar cost to c + lambda·g.
func (b *Buffer) CalculateCost(lambda []float32) error {
	if !b.preprocessed {
		return ErrNotPreprocessed
	}
	cost, err := lagrangianCost(b.data[KeyC], b.data[KeyG], lambda)
	if err != nil {
		return err
	}
	b.data[KeyCost] = cost
	return nil
}

// StateActionPairs returns (and memoizes) the states and actions of the consolidated view.
// The memo is dropped whenever the buffer changes.
func (b *Buffer) StateActionPairs(kind DomainKind) (*StateActionPairs, error) {
	if !b.preprocessed {
		return nil, ErrNotPreprocessed
	}
	if b.pairs == nil || b.pairs.Kind != kind {
		pairs, err := buildStateActionPairs(kind, b.data)
		if err != nil {
			return nil, err
		}
		b.pairs = pairs
	}
	return b.pairs, nil
}

// invalidate drops the consolidated view and the memoized state-action pairs.
func (b *Buffer) invalidate() {
	b.pairs = nil
	b.preprocessed = false
}

func selectCost(data map[Key]Column, key Key, idx []int) (Column, error) {
	switch key {
	case KeyC:
		return data[KeyC].Clone(), nil
	case KeyG:
		if len(idx) == 0 {
			return Column{}, ErrConstraintIndexRequired
		}
		return data[KeyG].SelectColumn(idx[0])
	}
	return Column{}, errors.Errorf("cost can only be selected from %q or %q, got %q", KeyC, KeyG, key)
}

func buildStateActionPairs(kind DomainKind, data map[Key]Column) (*StateActionPairs, error) {
	if kind != DomainLake && kind != DomainCar {
		return nil, errors.Errorf("unknown domain kind %s", kind)
	}
	x, a := data[KeyX], data[KeyA]
	if x.Rows != a.Rows {
		return nil, errors.Errorf("%d states but %d actions", x.Rows, a.Rows)
	}
	pairs := &StateActionPairs{
		Kind:    kind,
		States:  x.RowsSlice(),
		Actions: make([]int, a.Rows),
	}
	for ii, action := range a.Values {
		pairs.Actions[ii] = int(action)
	}
	return pairs, nil
}
