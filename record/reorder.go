package record

import (
	"github.com/pkg/errors"
)

var (
	// ErrReorderOverflow is returned when a frame arrives outside the
	// reorder window. The ordering guarantee cannot be upheld past this
	// point, so it is fatal for the session.
	ErrReorderOverflow = errors.New("frame arrived outside the reorder window")

	// ErrDuplicateFrame is returned when a sequence number is inserted or
	// skipped twice.
	ErrDuplicateFrame = errors.New("duplicate frame seq")
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotFilled
	slotSkipped
)

// reorderBuffer holds out-of-order frame pairs in a fixed ring indexed by
// sequence number until the contiguous head can be popped. Skipped sequence
// numbers (frames dropped upstream) are tombstoned so the head can advance
// past them.
type reorderBuffer struct {
	base   uint64 // next seq to pop
	window uint64
	slots  []FramePair
	states []slotState
	held   int
}

func newReorderBuffer(window int) *reorderBuffer {
	if window < 1 {
		window = 1
	}
	return &reorderBuffer{
		window: uint64(window),
		slots:  make([]FramePair, window),
		states: make([]slotState, window),
	}
}

func (b *reorderBuffer) slotFor(seq uint64) int {
	return int(seq % b.window)
}

func (b *reorderBuffer) checkBounds(seq uint64) error {
	if seq < b.base {
		return errors.Wrapf(ErrDuplicateFrame, "seq %d is before the buffer base %d", seq, b.base)
	}
	if seq >= b.base+b.window {
		return errors.Wrapf(ErrReorderOverflow, "seq %d is past the window ending at %d", seq, b.base+b.window-1)
	}
	if b.states[b.slotFor(seq)] != slotEmpty {
		return errors.Wrapf(ErrDuplicateFrame, "seq %d already held", seq)
	}
	return nil
}

// insert stores a frame pair until its turn comes up.
func (b *reorderBuffer) insert(pair FramePair) error {
	if err := b.checkBounds(pair.Seq); err != nil {
		return err
	}
	idx := b.slotFor(pair.Seq)
	b.slots[idx] = pair
	b.states[idx] = slotFilled
	b.held++
	return nil
}

// skip tombstones a sequence number that will never arrive.
func (b *reorderBuffer) skip(seq uint64) error {
	if err := b.checkBounds(seq); err != nil {
		return err
	}
	b.states[b.slotFor(seq)] = slotSkipped
	b.held++
	return nil
}

// popReady returns, in order, every frame at the contiguous head of the
// buffer, advancing over tombstones.
func (b *reorderBuffer) popReady() []FramePair {
	var ready []FramePair
	for b.held > 0 {
		idx := b.slotFor(b.base)
		state := b.states[idx]
		if state == slotEmpty {
			break
		}
		if state == slotFilled {
			ready = append(ready, b.slots[idx])
		}
		b.slots[idx] = FramePair{}
		b.states[idx] = slotEmpty
		b.held--
		b.base++
	}
	return ready
}

// drainRemaining returns every held frame in sequence order regardless of
// holes. Used on close, after all producers have stopped.
func (b *reorderBuffer) drainRemaining() []FramePair {
	var rest []FramePair
	for b.held > 0 {
		idx := b.slotFor(b.base)
		if b.states[idx] == slotFilled {
			rest = append(rest, b.slots[idx])
		}
		if b.states[idx] != slotEmpty {
			b.held--
		}
		b.slots[idx] = FramePair{}
		b.states[idx] = slotEmpty
		b.base++
	}
	return rest
}

// holds reports how many undelivered entries the buffer currently has.
func (b *reorderBuffer) holds() int { return b.held }
