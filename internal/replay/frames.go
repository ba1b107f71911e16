// Package replay implements the experience storage used by the trainers: a frame arena shared by overlapping
// stacked states, a windowed (circular) replay buffer on top of it, and an episodic dataset that consolidates
// many per-episode buffers into one column-oriented view.
package replay

import (
	"github.com/pkg/errors"
)

// Frame is one raw observation, flattened.
//
// For discrete domains it is usually a one-hot encoding of the position (or a single element with the
// state index), for visual domains the pixels of the image.
type Frame []float32

// FrameStore is a fixed size arena of frames, addressed by slot index.
//
// Transitions only store the slot indices of the frames in their windows, so a frame is stored only once even
// if it shows up in up to 2*NumFrameStack windows.
type FrameStore struct {
	slots     []Frame
	frameSize int
}

// NewFrameStore creates an arena with numSlots empty slots.
func NewFrameStore(numSlots int) *FrameStore {
	return &FrameStore{
		slots:     make([]Frame, numSlots),
		frameSize: -1,
	}
}

// NumSlots in the arena.
func (fs *FrameStore) NumSlots() int {
	return len(fs.slots)
}

// FrameSize is the number of values of each frame, or -1 if no frame has been stored yet.
func (fs *FrameStore) FrameSize() int {
	return fs.frameSize
}

// Put copies frame into slot. All frames of a store must have the same size.
func (fs *FrameStore) Put(slot int, frame Frame) error {
	if slot < 0 || slot >= len(fs.slots) {
		return errors.Errorf("frame slot %d out of range [0, %d)", slot, len(fs.slots))
	}
	if fs.frameSize == -1 {
		fs.frameSize = len(frame)
	} else if len(frame) != fs.frameSize {
		return errors.Errorf("frame with %d values, but the store holds frames of %d values", len(frame), fs.frameSize)
	}
	if fs.slots[slot] == nil {
		fs.slots[slot] = make(Frame, fs.frameSize)
	}
	copy(fs.slots[slot], frame)
	return nil
}

// Get returns the frame stored at slot. It is not a copy: it's only valid until the slot is overwritten.
func (fs *FrameStore) Get(slot int) Frame {
	return fs.slots[slot]
}

// Gather materializes a window of slots into one stacked state: the frames are concatenated, oldest first.
func (fs *FrameStore) Gather(window []int) []float32 {
	state := make([]float32, 0, len(window)*max(fs.frameSize, 0))
	for _, slot := range window {
		state = append(state, fs.slots[slot]...)
	}
	return state
}
