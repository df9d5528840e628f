package timesync

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"emg-bridge/wire"
)

type streamKey struct {
	device string
	stream wire.Stream
}

// Table owns the clock state of every (device, stream). The lock guards the
// map only; each returned state is driven by its stream's single writer.
type Table struct {
	mu      sync.Mutex
	states  map[streamKey]*StreamClockState
	modulus map[wire.Stream]int64
}

// NewTable returns a table using the given per-stream wraparound moduli,
// falling back to each stream's default.
func NewTable(modulus map[wire.Stream]int64) *Table {
	t := &Table{
		states:  make(map[streamKey]*StreamClockState),
		modulus: make(map[wire.Stream]int64),
	}
	for _, s := range wire.Streams {
		t.modulus[s] = s.DefaultWraparound()
	}
	for s, m := range modulus {
		if m > 0 {
			t.modulus[s] = m
		}
	}
	return t
}

// State returns the state for a device's stream, creating it on first use.
func (t *Table) State(device string, stream wire.Stream) *StreamClockState {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := streamKey{device, stream}
	st, ok := t.states[key]
	if !ok {
		st = NewStreamClockState(t.modulus[stream]).WithLogger(log.WithFields(log.Fields{
			"device": device,
			"stream": string(stream),
		}))
		t.states[key] = st
	}
	return st
}

// Forget drops every stream state of a device.
func (t *Table) Forget(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.states {
		if key.device == device {
			delete(t.states, key)
		}
	}
}

// Len returns the number of tracked streams.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
