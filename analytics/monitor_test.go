package analytics

import (
	"errors"
	"testing"
	"time"

	"emg-bridge/ble"
	"emg-bridge/racp"
	"emg-bridge/wire"
)

func batch(id string, values ...[]float64) ble.Batch {
	return ble.Batch{
		DeviceID:    id,
		Stream:      wire.StreamEmgBuffer,
		TimestampMs: 1234,
		Missed:      2,
		SampleBatch: &wire.SampleBatch{
			Format:   wire.EmgBufferAdc24,
			Channels: len(values),
			Samples:  len(values[0]),
			Values:   values,
		},
	}
}

func TestProcessBatchCounts(t *testing.T) {
	m := NewMonitor()
	m.ProcessBatch(batch("a", []float64{1, 3}, []float64{-2, -4}))
	m.ProcessBatch(batch("a", []float64{5, 7}, []float64{0, 0}))

	d, ok := m.Device("a")
	if !ok {
		t.Fatal("device a not tracked")
	}
	st := d.Streams[string(wire.StreamEmgBuffer)]
	if st.Batches != 2 || st.Samples != 4 || st.Missed != 2 || st.LastTsMs != 1234 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastMean[0] != 6 || st.LastMean[1] != 0 {
		t.Errorf("last mean = %v, want [6 0]", st.LastMean)
	}
}

func TestDeviceReturnsCopy(t *testing.T) {
	m := NewMonitor()
	m.ProcessBatch(batch("a", []float64{1}))

	d, _ := m.Device("a")
	d.Streams[string(wire.StreamEmgBuffer)].LastMean[0] = 99
	d.Connected = true

	again, _ := m.Device("a")
	if again.Streams[string(wire.StreamEmgBuffer)].LastMean[0] != 1 || again.Connected {
		t.Error("mutating a snapshot changed the monitor")
	}
}

func TestDecodeErrorsAndRetrieval(t *testing.T) {
	m := NewMonitor()
	m.RecordDecodeError("a", wire.ImuGyro, errors.New("bad"))
	m.RetrievalStarted("a")

	d, _ := m.Device("a")
	if d.Streams[string(wire.StreamGyro)].DecodeErrors != 1 {
		t.Errorf("decode errors = %d, want 1", d.Streams[string(wire.StreamGyro)].DecodeErrors)
	}
	if !d.Retrieval.Active {
		t.Error("retrieval not marked active")
	}

	m.RetrievalFinished("a", make([]racp.Record, 3), nil)
	d, _ = m.Device("a")
	if d.Retrieval.Active || d.Retrieval.LastRecords != 3 || d.Retrieval.LastError != "" {
		t.Errorf("retrieval = %+v", d.Retrieval)
	}

	m.RetrievalFinished("a", nil, racp.ErrCancelled)
	d, _ = m.Device("a")
	if d.Retrieval.LastError != racp.ErrCancelled.Error() || d.Retrieval.LastRecords != 0 {
		t.Errorf("retrieval = %+v", d.Retrieval)
	}
}

func TestStateHandlerAndOrdering(t *testing.T) {
	m := NewMonitor()
	states := make(chan *State, 8)
	m.SetStateHandler(func(s *State) { states <- s })

	m.SetConnected("b", "EMG-B", true)
	m.SetConnected("a", "EMG-A", true)

	for i := 0; i < 2; i++ {
		select {
		case <-states:
		case <-time.After(time.Second):
			t.Fatal("state handler not called")
		}
	}
	got := m.GetState()
	if len(got.Devices) != 2 {
		t.Fatalf("state has %d devices, want 2", len(got.Devices))
	}
	if got.Devices[0].ID != "a" || got.Devices[1].ID != "b" || got.Devices[0].Name != "EMG-A" {
		t.Errorf("devices = %+v, %+v", got.Devices[0], got.Devices[1])
	}
}

func TestForget(t *testing.T) {
	m := NewMonitor()
	m.SetConnected("a", "", true)
	if err := m.Forget("a"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := m.Forget("a"); !errors.Is(err, ble.ErrUnknownDevice) {
		t.Errorf("second Forget error = %v, want ErrUnknownDevice", err)
	}
}
