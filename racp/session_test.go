package racp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"emg-bridge/timesync"
)

var testEpoch = timesync.NewEpoch(timesync.DefaultEpoch)

type outcome struct {
	completed [][]Record
	failed    []error
}

func (o *outcome) callbacks() Callbacks {
	return Callbacks{
		OnComplete: func(r []Record) { o.completed = append(o.completed, r) },
		OnFailed:   func(err error) { o.failed = append(o.failed, err) },
	}
}

func (o *outcome) signals() int {
	return len(o.completed) + len(o.failed)
}

func newSession() *Session {
	return NewSession(Config{Epoch: testEpoch, DefaultInterval: time.Second})
}

func countResponse(count uint16, intervalMs uint16) ControlEvent {
	b := []byte{byte(OpNumberOfStoredRecordsResponse), byte(OperatorNull), 0, 0}
	binary.LittleEndian.PutUint16(b[2:], count)
	if intervalMs > 0 {
		b = binary.LittleEndian.AppendUint16(b, intervalMs)
	}
	return ControlEvent(b)
}

func response(code ResponseCode) ControlEvent {
	return ControlEvent{byte(OpResponseCode), byte(code), byte(OpReportStoredRecords)}
}

func record(seq uint16, ticks uint32, values ...uint16) RecordEvent {
	b := binary.LittleEndian.AppendUint16(nil, seq)
	b = binary.LittleEndian.AppendUint32(b, ticks)
	for _, v := range values {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return RecordEvent(b)
}

var timestampComplete = ControlEvent{byte(OpSetTimestampComplete)}

func expectCommand(t *testing.T, cmds []Command, want Command) {
	t.Helper()
	if len(cmds) != 1 {
		t.Fatalf("got %d commands %v, want [%v]", len(cmds), cmds, want)
	}
	if !bytes.Equal(cmds[0].Bytes(), want.Bytes()) {
		t.Fatalf("command = %#x, want %#x", cmds[0].Bytes(), want.Bytes())
	}
}

func TestBeginSetsDeviceClock(t *testing.T) {
	s := newSession()
	var o outcome
	now := timesync.DefaultEpoch.Add(10 * time.Second)
	cmds, err := s.Begin(now, o.callbacks())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.State() != SyncingTimestamp {
		t.Fatalf("state = %s, want syncing_timestamp", s.State())
	}
	want := []byte{7, 1, 80, 0, 0, 0}
	if len(cmds) != 1 || !bytes.Equal(cmds[0].Bytes(), want) {
		t.Fatalf("set timestamp command = %v, want %#x", cmds, want)
	}

	if _, err := s.Begin(now, o.callbacks()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second begin: got %v, want ErrBusy", err)
	}
	if o.signals() != 0 {
		t.Fatalf("rejected begin produced a signal")
	}
}

func TestRetrieveNoRecords(t *testing.T) {
	s := newSession()
	var o outcome
	s.Begin(time.Now(), o.callbacks())

	expectCommand(t, s.Handle(timestampComplete), ReportNumberOfRecordsCommand())
	if s.State() != AwaitingRecordCount {
		t.Fatalf("state = %s", s.State())
	}
	if cmds := s.Handle(countResponse(0, 0)); len(cmds) != 0 {
		t.Fatalf("unexpected commands: %v", cmds)
	}
	if len(o.completed) != 1 || len(o.failed) != 0 {
		t.Fatalf("outcome = %+v, want one success", o)
	}
	if o.completed[0] == nil || len(o.completed[0]) != 0 {
		t.Fatalf("records = %v, want empty list", o.completed[0])
	}
	if s.State() != Idle {
		t.Fatalf("state = %s, want idle", s.State())
	}
}

func TestRetrieveThreeRecords(t *testing.T) {
	s := newSession()
	var o outcome
	s.Begin(time.Now(), o.callbacks())
	s.Handle(timestampComplete)
	expectCommand(t, s.Handle(countResponse(3, 0)), ReportStoredRecordsCommand())
	if s.State() != RequestingRecords {
		t.Fatalf("state = %s, want requesting_records", s.State())
	}

	const t0 = 80_000
	s.Handle(record(10, t0, 100, 200))
	if s.State() != ReceivingRecords {
		t.Fatalf("state = %s, want receiving_records", s.State())
	}
	s.Handle(record(11, t0+8, 101, 201))
	s.Handle(record(12, t0+16, 102, 202))
	if s.State() != AwaitingCompletion {
		t.Fatalf("state = %s, want awaiting_completion", s.State())
	}
	if cmds := s.Handle(response(RespSuccess)); len(cmds) != 0 {
		t.Fatalf("unexpected commands: %v", cmds)
	}

	if len(o.completed) != 1 || len(o.failed) != 0 {
		t.Fatalf("outcome = %+v, want one success", o)
	}
	got := o.completed[0]
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, r := range got {
		if r.Sequence != uint16(10+i) {
			t.Errorf("record %d sequence = %d, arrival order lost", i, r.Sequence)
		}
		if want := testEpoch.Millis(uint32(t0 + 8*i)); r.TimestampMs != want {
			t.Errorf("record %d ts = %d, want %d", i, r.TimestampMs, want)
		}
		if r.Values[0] != float64(100+i) || r.Values[1] != float64(200+i) {
			t.Errorf("record %d values = %v", i, r.Values)
		}
	}
	if s.State() != Idle {
		t.Fatalf("state = %s, want idle", s.State())
	}
}

func TestRetrieveDeclaredInterval(t *testing.T) {
	s := newSession()
	var o outcome
	s.Begin(time.Now(), o.callbacks())
	s.Handle(timestampComplete)
	s.Handle(countResponse(3, 100))
	// The 8 Hz device clock is coarser than the log interval.
	s.Handle(record(0, 800, 1))
	s.Handle(record(1, 800, 1))
	s.Handle(record(2, 801, 1))
	s.Handle(response(RespSuccess))

	if len(o.completed) != 1 {
		t.Fatalf("outcome = %+v", o)
	}
	r := o.completed[0]
	for i := 1; i < len(r); i++ {
		if d := r[i].TimestampMs - r[i-1].TimestampMs; d != 100 {
			t.Errorf("record %d spacing = %d ms, want the declared 100", i, d)
		}
	}
}

func TestRetrieveNoRecordsFoundResponse(t *testing.T) {
	for _, atRequest := range []bool{false, true} {
		s := newSession()
		var o outcome
		s.Begin(time.Now(), o.callbacks())
		s.Handle(timestampComplete)
		if atRequest {
			s.Handle(countResponse(4, 0))
		}
		s.Handle(response(RespNoRecordsFound))
		if len(o.completed) != 1 || len(o.completed[0]) != 0 || len(o.failed) != 0 {
			t.Errorf("atRequest=%v: outcome = %+v, want empty success", atRequest, o)
		}
		if s.Active() {
			t.Errorf("atRequest=%v: session still active in %s", atRequest, s.State())
		}
	}
}

func TestRetrieveDeviceFailures(t *testing.T) {
	tests := []struct {
		code ResponseCode
		want error
	}{
		{RespOpCodeNotSupported, ErrOpCodeNotSupported},
		{RespAbortUnsuccessful, ErrAbortUnsuccessful},
		{RespProcedureNotCompleted, ErrProcedureNotCompleted},
	}
	for _, tt := range tests {
		s := newSession()
		var o outcome
		s.Begin(time.Now(), o.callbacks())
		s.Handle(timestampComplete)
		s.Handle(countResponse(2, 0))
		s.Handle(record(1, 8, 5))

		expectCommand(t, s.Handle(response(tt.code)), AbortCommand())
		if len(o.failed) != 1 || len(o.completed) != 0 {
			t.Fatalf("%s: outcome = %+v, want one failure", tt.code, o)
		}
		if !errors.Is(o.failed[0], tt.want) {
			t.Errorf("%s: reason %v does not match %v", tt.code, o.failed[0], tt.want)
		}
		var rerr *ResponseError
		if !errors.As(o.failed[0], &rerr) || rerr.Code != tt.code || rerr.Request != OpReportStoredRecords {
			t.Errorf("%s: reason %#v is not the device response", tt.code, o.failed[0])
		}
		if s.State() != Idle {
			t.Errorf("%s: state = %s, want idle", tt.code, s.State())
		}
	}
}

func TestDeviceFailureLogsReceivingState(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	s := NewSession(Config{Epoch: testEpoch, DefaultInterval: time.Second, Logger: log.NewEntry(logger)})
	var o outcome
	s.Begin(time.Now(), o.callbacks())
	s.Handle(timestampComplete)
	s.Handle(countResponse(2, 0))
	s.Handle(record(1, 8, 5))

	s.Handle(response(RespProcedureNotCompleted))
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("last log entry = %+v, want retrieval failure warning", entry)
	}
	if got := entry.Data["state"]; got != ReceivingRecords.String() {
		t.Errorf("logged state = %v, want %s", got, ReceivingRecords)
	}
}

func TestAbortIdempotent(t *testing.T) {
	s := newSession()
	var o outcome
	if cmds := s.Abort(); cmds != nil {
		t.Fatalf("abort while idle emitted %v", cmds)
	}

	s.Begin(time.Now(), o.callbacks())
	s.Handle(timestampComplete)
	expectCommand(t, s.Abort(), AbortCommand())
	if cmds := s.Abort(); cmds != nil {
		t.Fatalf("second abort emitted %v", cmds)
	}
	if len(o.failed) != 1 || len(o.completed) != 0 {
		t.Fatalf("outcome = %+v, want exactly one failure", o)
	}
	if !errors.Is(o.failed[0], ErrCancelled) {
		t.Errorf("reason = %v, want ErrCancelled", o.failed[0])
	}

	// The device's answer to the abort arrives after the session ended.
	if cmds := s.Handle(ControlEvent{byte(OpResponseCode), byte(RespSuccess), byte(OpAbortOperation)}); cmds != nil {
		t.Errorf("late response emitted %v", cmds)
	}
	if o.signals() != 1 {
		t.Errorf("late response produced another signal")
	}
}

func TestSessionReusableAfterFailure(t *testing.T) {
	s := newSession()
	var first, second outcome
	s.Begin(time.Now(), first.callbacks())
	s.Handle(timestampComplete)
	s.Handle(response(RespProcedureNotCompleted))

	if _, err := s.Begin(time.Now(), second.callbacks()); err != nil {
		t.Fatalf("begin after failure: %v", err)
	}
	s.Handle(timestampComplete)
	s.Handle(countResponse(0, 0))
	if first.signals() != 1 || len(second.completed) != 1 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
}

func TestFailDiscardsRecords(t *testing.T) {
	s := newSession()
	var o outcome
	if cmds := s.Fail(errors.New("write failed")); cmds != nil {
		t.Fatalf("Fail while idle returned %v", cmds)
	}

	s.Begin(time.Now(), o.callbacks())
	s.Handle(timestampComplete)
	s.Handle(countResponse(2, 0))
	s.Handle(record(0, 0, 1))

	reason := errors.New("write failed")
	expectCommand(t, s.Fail(reason), AbortCommand())
	if len(o.completed) != 0 || len(o.failed) != 1 || !errors.Is(o.failed[0], reason) {
		t.Fatalf("outcome = %+v", o)
	}
	if s.Active() {
		t.Fatalf("state = %s, want idle", s.State())
	}
}

// Every reachable state either accepts a message or fails the session; an
// abort afterwards must never add a second signal.
func TestEveryMessageTerminates(t *testing.T) {
	prefixes := map[State][]Event{
		SyncingTimestamp:    nil,
		AwaitingRecordCount: {timestampComplete},
		RequestingRecords:   {timestampComplete, countResponse(2, 0)},
		ReceivingRecords:    {timestampComplete, countResponse(2, 0), record(0, 8, 1)},
		AwaitingCompletion:  {timestampComplete, countResponse(2, 0), record(0, 8, 1), record(1, 16, 2)},
	}
	messages := map[string]Event{
		"empty control":     ControlEvent{},
		"unknown opcode":    ControlEvent{0x42, 0},
		"short count":       ControlEvent{byte(OpNumberOfStoredRecordsResponse), 0},
		"short response":    ControlEvent{byte(OpResponseCode)},
		"timestamp done":    timestampComplete,
		"count zero":        countResponse(0, 0),
		"count three":       countResponse(3, 0),
		"success":           response(RespSuccess),
		"no records":        response(RespNoRecordsFound),
		"not supported":     response(RespOpCodeNotSupported),
		"abort failed":      response(RespAbortUnsuccessful),
		"not completed":     response(RespProcedureNotCompleted),
		"invalid operator":  response(ResponseCode(3)),
		"record":            record(2, 24, 3),
		"truncated record":  RecordEvent{1, 2, 3},
		"request opcode":    ControlEvent{byte(OpReportStoredRecords), 1},
		"set timestamp req": ControlEvent{byte(OpSetTimestamp), 1, 0, 0, 0, 0},
	}

	for state, prefix := range prefixes {
		for name, msg := range messages {
			s := newSession()
			var o outcome
			s.Begin(time.Now(), o.callbacks())
			for _, ev := range prefix {
				s.Handle(ev)
			}
			if s.State() != state {
				t.Fatalf("prefix for %s reached %s", state, s.State())
			}

			s.Handle(msg)
			switch s.State() {
			case Idle:
				if o.signals() != 1 {
					t.Errorf("%s + %s: idle with %d signals", state, name, o.signals())
				}
			case SyncingTimestamp, AwaitingRecordCount, RequestingRecords, ReceivingRecords, AwaitingCompletion:
				if o.signals() != 0 {
					t.Errorf("%s + %s: active with %d signals", state, name, o.signals())
				}
			default:
				t.Errorf("%s + %s: left in transient state %s", state, name, s.State())
			}

			s.Abort()
			s.Abort()
			if o.signals() != 1 {
				t.Errorf("%s + %s: %d terminal signals, want 1", state, name, o.signals())
			}
		}
	}
}

func TestParseMessage(t *testing.T) {
	m, err := ParseMessage([]byte{5, 0, 0x2c, 0x01, 0xe8, 0x03})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Count != 300 || m.IntervalMs != 1000 {
		t.Errorf("count response = %+v", m)
	}
	m, err = ParseMessage([]byte{6, 8})
	if err != nil || m.Code != RespProcedureNotCompleted || m.Request != 0 {
		t.Errorf("response = %+v, %v", m, err)
	}
	if _, err := ParseMessage([]byte{9}); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("unknown opcode: got %v", err)
	}
}
