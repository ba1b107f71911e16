package replay

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultEpisodeCapacity is the capacity of each per-episode buffer of a Dataset. Offline episodes are bounded
// by the environment's own episode length cap, not by a sliding window.
const DefaultEpisodeCapacity = 2000

// Dataset is an ordered collection of episodes, each one its own Buffer, plus a consolidated view of all
// transitions built by Preprocess.
//
// The consolidated view concatenates the fields of the episodes in order: row i of KeyX is the i-th transition
// counting episode first, then within the episode.
type Dataset struct {
	numFrameStack       int
	episodeCapacity     int
	episodes            []*Buffer
	maxTrajectoryLength int

	data         map[Key]Column
	preprocessed bool
	pairs        *StateActionPairs
}

// NewDataset creates an empty dataset whose states stack numFrameStack frames.
func NewDataset(numFrameStack int) *Dataset {
	return &Dataset{
		numFrameStack:   numFrameStack,
		episodeCapacity: DefaultEpisodeCapacity,
	}
}

// WithEpisodeCapacity changes the capacity of the buffers of the episodes started afterwards.
func (d *Dataset) WithEpisodeCapacity(capacity int) *Dataset {
	d.episodeCapacity = capacity
	return d
}

// StartNewEpisode pushes a new episode buffer, and starts it with the initial frame.
func (d *Dataset) StartNewEpisode(frame Frame) error {
	if len(d.episodes) > 0 && !d.episodes[len(d.episodes)-1].IsOver() {
		return ErrEpisodeInProgress
	}
	episode, err := NewBuffer(Config{
		NumFrameStack:  d.numFrameStack,
		Capacity:       d.episodeCapacity,
		MinSizeToTrain: 0,
	})
	if err != nil {
		return err
	}
	if err = episode.StartNewEpisode(frame); err != nil {
		return err
	}
	d.episodes = append(d.episodes, episode)
	d.invalidate()
	return nil
}

// Append a transition to the current episode. See Buffer.Append.
func (d *Dataset) Append(action int, frame Frame, reward []float32, done bool) error {
	if len(d.episodes) == 0 {
		return ErrEpisodeNotStarted
	}
	episode := d.episodes[len(d.episodes)-1]
	if err := episode.Append(action, frame, reward, done); err != nil {
		return err
	}
	if episode.Len() > d.maxTrajectoryLength {
		d.maxTrajectoryLength = episode.Len()
	}
	d.invalidate()
	return nil
}

// CurrentState of the current episode.
func (d *Dataset) CurrentState() ([]float32, error) {
	if len(d.episodes) == 0 {
		return nil, ErrEpisodeNotStarted
	}
	return d.episodes[len(d.episodes)-1].CurrentState()
}

// Episodes returns the per-episode buffers, in order. They should be treated as read-only.
func (d *Dataset) Episodes() []*Buffer {
	return d.episodes
}

// MaxTrajectoryLength is the number of transitions of the longest episode.
func (d *Dataset) MaxTrajectoryLength() int {
	return d.maxTrajectoryLength
}

// NumTransitions across all episodes.
func (d *Dataset) NumTransitions() int {
	var n int
	for _, episode := range d.episodes {
		n += episode.Len()
	}
	return n
}

// Len is the number of transitions in the consolidated view, 0 before Preprocess.
func (d *Dataset) Len() int {
	if !d.preprocessed {
		return 0
	}
	return d.data[KeyX].Rows
}

// Preprocess finalizes every episode and concatenates their fields into the consolidated view.
// All episodes must be closed.
func (d *Dataset) Preprocess(kind DomainKind) error {
	if len(d.episodes) == 0 {
		return ErrEmptyBuffer
	}
	if !d.episodes[len(d.episodes)-1].IsOver() {
		return ErrEpisodeInProgress
	}
	for ii, episode := range d.episodes {
		if err := episode.Preprocess(kind); err != nil {
			return errors.WithMessagef(err, "preprocessing episode %d", ii)
		}
	}
	data := make(map[Key]Column, len(Keys))
	cols := make([]Column, len(d.episodes))
	for _, key := range Keys {
		for ii, episode := range d.episodes {
			cols[ii] = episode.data[key]
		}
		col, err := concatColumns(cols)
		if err != nil {
			return errors.WithMessagef(err, "consolidating field %q", key)
		}
		data[key] = col
	}
	d.invalidate()
	d.data = data
	d.preprocessed = true
	if _, err := d.StateActionPairs(kind); err != nil {
		return err
	}
	klog.V(1).Infof("Dataset preprocessed: %d episodes, %d transitions, max trajectory length %d",
		len(d.episodes), data[KeyX].Rows, d.maxTrajectoryLength)
	return nil
}

// Get returns a consolidated field. It requires Preprocess, and KeyCost also requires SetCost or CalculateCost.
func (d *Dataset) Get(key Key) (Column, error) {
	if !d.preprocessed {
		return Column{}, ErrNotPreprocessed
	}
	col, found := d.data[key]
	if !found {
		return Column{}, errors.Errorf("unknown field %q", key)
	}
	if key == KeyCost && col.Rows != d.data[KeyC].Rows {
		return Column{}, ErrCostNotSet
	}
	return col, nil
}

// CalculateCost relabels the scalar cost of every transition as c + lambda·g, in the consolidated view and in
// every episode.
func (d *Dataset) CalculateCost(lambda []float32) error {
	if !d.preprocessed {
		return ErrNotPreprocessed
	}
	cost, err := lagrangianCost(d.data[KeyC], d.data[KeyG], lambda)
	if err != nil {
		return err
	}
	for ii, episode := range d.episodes {
		if err = episode.CalculateCost(lambda); err != nil {
			return errors.WithMessagef(err, "calculating cost of episode %d", ii)
		}
	}
	d.data[KeyCost] = cost
	return nil
}

// SetCost selects which field is the scalar cost: KeyC, or the idx-th constraint of KeyG. Constraints are
// selected one at a time, and the index is required for KeyG.
func (d *Dataset) SetCost(key Key, idx ...int) error {
	if !d.preprocessed {
		return ErrNotPreprocessed
	}
	cost, err := selectCost(d.data, key, idx)
	if err != nil {
		return err
	}
	for ii, episode := range d.episodes {
		if err = episode.SetCost(key, idx...); err != nil {
			return errors.WithMessagef(err, "setting cost of episode %d", ii)
		}
	}
	d.data[KeyCost] = cost
	return nil
}

// StateActionPairs returns the memoized states and actions of the consolidated view.
// Starting an episode or appending a transition drops the memo, together with the consolidated view.
func (d *Dataset) StateActionPairs(kind DomainKind) (*StateActionPairs, error) {
	if !d.preprocessed {
		return nil, ErrNotPreprocessed
	}
	if d.pairs == nil || d.pairs.Kind != kind {
		pairs, err := buildStateActionPairs(kind, d.data)
		if err != nil {
			return nil, err
		}
		d.pairs = pairs
	}
	return d.pairs, nil
}

func (d *Dataset) invalidate() {
	d.pairs = nil
	d.preprocessed = false
}
