// Package analytics keeps live per-band statistics for the dashboard.
package analytics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"emg-bridge/ble"
	"emg-bridge/racp"
	"emg-bridge/wire"
)

// StreamStats holds counters for one stream of one band.
type StreamStats struct {
	Batches      uint64 `json:"batches"`
	Samples      uint64 `json:"samples"`
	Missed       uint64 `json:"missed"`
	DecodeErrors uint64 `json:"decode_errors"`
	LastTsMs     int64  `json:"last_ts_ms"`
	// LastMean is the per-channel mean of the latest batch.
	LastMean []float64 `json:"last_mean"`
}

// RetrievalStatus describes the latest offline log retrieval.
type RetrievalStatus struct {
	Active      bool      `json:"active"`
	LastRecords int       `json:"last_records"`
	LastError   string    `json:"last_error,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// DeviceState holds statistics for one band.
type DeviceState struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Connected bool                    `json:"connected"`
	Streams   map[string]*StreamStats `json:"streams"`
	Retrieval RetrievalStatus         `json:"retrieval"`
}

// State is the full state broadcast to WebSocket clients.
type State struct {
	UptimeSec float64        `json:"uptime_sec"`
	Devices   []*DeviceState `json:"devices"`
}

// StateHandler is called when state changes.
type StateHandler func(state *State)

// Monitor aggregates pipeline output into per-band statistics.
type Monitor struct {
	mu        sync.RWMutex
	devices   map[string]*DeviceState
	startedAt time.Time
	onState   StateHandler
}

// NewMonitor creates a new Monitor instance.
func NewMonitor() *Monitor {
	return &Monitor{
		devices:   make(map[string]*DeviceState),
		startedAt: time.Now(),
	}
}

// SetStateHandler sets the callback for state changes.
func (m *Monitor) SetStateHandler(handler StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = handler
}

// deviceLocked returns the state of a band, creating it on first use.
// Must be called with m.mu held.
func (m *Monitor) deviceLocked(id string) *DeviceState {
	d, ok := m.devices[id]
	if !ok {
		d = &DeviceState{ID: id, Streams: make(map[string]*StreamStats)}
		m.devices[id] = d
	}
	return d
}

func (d *DeviceState) stream(s wire.Stream) *StreamStats {
	st, ok := d.Streams[string(s)]
	if !ok {
		st = &StreamStats{}
		d.Streams[string(s)] = st
	}
	return st
}

// SetConnected updates the connection state of a band.
func (m *Monitor) SetConnected(id, name string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.deviceLocked(id)
	if name != "" {
		d.Name = name
	}
	d.Connected = connected
	if !connected {
		d.Retrieval.Active = false
	}
	m.broadcastLocked()
}

// ProcessBatch accounts for a stamped telemetry batch. It does not
// broadcast; telemetry is reported on the tick.
func (m *Monitor) ProcessBatch(b ble.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.deviceLocked(b.DeviceID).stream(b.Stream)
	st.Batches++
	st.Samples += uint64(b.Samples)
	st.Missed = b.Missed
	st.LastTsMs = b.TimestampMs

	if len(st.LastMean) != b.Channels {
		st.LastMean = make([]float64, b.Channels)
	}
	for c, values := range b.Values {
		var sum float64
		for _, v := range values {
			sum += v
		}
		if len(values) > 0 {
			st.LastMean[c] = sum / float64(len(values))
		}
	}
}

// RecordDecodeError accounts for a dropped notification.
func (m *Monitor) RecordDecodeError(id string, f wire.Format, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceLocked(id).stream(f.Stream()).DecodeErrors++
}

// RetrievalStarted marks a retrieval as in progress.
func (m *Monitor) RetrievalStarted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceLocked(id).Retrieval.Active = true
	m.broadcastLocked()
}

// RetrievalFinished records the outcome of a retrieval.
func (m *Monitor) RetrievalFinished(id string, records []racp.Record, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &m.deviceLocked(id).Retrieval
	r.Active = false
	r.FinishedAt = time.Now()
	r.LastRecords = len(records)
	r.LastError = ""
	if err != nil {
		r.LastError = err.Error()
	}
	m.broadcastLocked()
}

// Forget drops a band's statistics.
func (m *Monitor) Forget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return fmt.Errorf("%w: %s", ble.ErrUnknownDevice, id)
	}
	delete(m.devices, id)
	m.broadcastLocked()
	return nil
}

// BroadcastTick sends periodic state updates.
func (m *Monitor) BroadcastTick() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.broadcastLocked()
}

// GetState returns the current state.
func (m *Monitor) GetState() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buildStateLocked()
}

// Device returns a copy of one band's state.
func (m *Monitor) Device(id string) (*DeviceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	return copyDeviceState(d), true
}

// buildStateLocked creates a State snapshot sorted by device ID.
// Must be called with m.mu held (read or write).
func (m *Monitor) buildStateLocked() *State {
	state := &State{
		UptimeSec: time.Since(m.startedAt).Seconds(),
		Devices:   make([]*DeviceState, 0, len(m.devices)),
	}
	for _, d := range m.devices {
		state.Devices = append(state.Devices, copyDeviceState(d))
	}
	sort.Slice(state.Devices, func(i, j int) bool {
		return state.Devices[i].ID < state.Devices[j].ID
	})
	return state
}

// copyDeviceState creates a copy of DeviceState for safe external use.
func copyDeviceState(d *DeviceState) *DeviceState {
	streams := make(map[string]*StreamStats, len(d.Streams))
	for k, v := range d.Streams {
		st := *v
		st.LastMean = append([]float64(nil), v.LastMean...)
		streams[k] = &st
	}
	return &DeviceState{
		ID:        d.ID,
		Name:      d.Name,
		Connected: d.Connected,
		Streams:   streams,
		Retrieval: d.Retrieval,
	}
}

// broadcastLocked sends the current state to the handler.
// Must be called with m.mu held.
func (m *Monitor) broadcastLocked() {
	if m.onState == nil {
		return
	}
	state := m.buildStateLocked()
	go m.onState(state)
}
