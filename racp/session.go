package racp

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"emg-bridge/timesync"
	"emg-bridge/wire"
)

// State is the position of a Session in the retrieval procedure.
type State int

const (
	Idle State = iota
	SyncingTimestamp
	AwaitingRecordCount
	NoRecordsFound
	RequestingRecords
	ReceivingRecords
	AwaitingCompletion
	Committing
	Aborting
)

var stateNames = [...]string{
	Idle:                "idle",
	SyncingTimestamp:    "syncing_timestamp",
	AwaitingRecordCount: "awaiting_record_count",
	NoRecordsFound:      "no_records_found",
	RequestingRecords:   "requesting_records",
	ReceivingRecords:    "receiving_records",
	AwaitingCompletion:  "awaiting_completion",
	Committing:          "committing",
	Aborting:            "aborting",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is an inbound message for a Session.
type Event interface {
	event()
}

// ControlEvent is an indication from the control point.
type ControlEvent []byte

// RecordEvent is a notification from the record data characteristic.
type RecordEvent []byte

func (ControlEvent) event() {}
func (RecordEvent) event()  {}

// Record is a historical log entry stamped with host wall-clock time.
type Record struct {
	TimestampMs int64     `json:"ts_ms"`
	Sequence    uint16    `json:"seq"`
	DeviceTicks uint32    `json:"ticks"`
	Values      []float64 `json:"values"`
}

// Callbacks receive the single terminal signal of a retrieval.
type Callbacks struct {
	OnComplete func(records []Record)
	OnFailed   func(reason error)
}

// Config holds the session's timing parameters.
type Config struct {
	Epoch timesync.Epoch
	// DefaultInterval is the log sample interval assumed when the device
	// does not declare one in its record count response.
	DefaultInterval time.Duration
	Logger          *log.Entry
}

// Session is the retrieval state machine of one device. It is not safe for
// concurrent use; the owner serializes events, Begin and Abort.
type Session struct {
	cfg   Config
	log   *log.Entry
	state State

	cb         Callbacks
	expected   int
	intervalMs float64
	records    []wire.HistoricalRecord
}

// NewSession returns an idle session.
func NewSession(cfg Config) *Session {
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}
	return &Session{cfg: cfg, log: cfg.Logger}
}

// State returns the current protocol state.
func (s *Session) State() State {
	return s.state
}

// Active reports whether a retrieval is in progress.
func (s *Session) Active() bool {
	return s.state != Idle
}

// Begin starts a retrieval by setting the device clock to now. Exactly one
// of cb.OnComplete or cb.OnFailed is called when the retrieval ends.
func (s *Session) Begin(now time.Time, cb Callbacks) ([]Command, error) {
	if s.state != Idle {
		return nil, fmt.Errorf("%w (%s)", ErrBusy, s.state)
	}
	s.cb = cb
	s.expected = 0
	s.intervalMs = float64(s.cfg.DefaultInterval) / float64(time.Millisecond)
	s.records = nil
	s.state = SyncingTimestamp

	ticks := s.cfg.Epoch.Ticks(now.UnixMilli())
	s.log.WithField("ticks", ticks).Debug("RACP: setting device clock")
	return []Command{SetTimestampCommand(ticks)}, nil
}

// Abort cancels the retrieval in progress. It is a no-op when idle.
func (s *Session) Abort() []Command {
	if s.state == Idle {
		return nil
	}
	return s.fail(ErrCancelled)
}

// Fail ends the retrieval in progress with reason, e.g. when the transport
// could not deliver a command. It is a no-op when idle.
func (s *Session) Fail(reason error) []Command {
	if s.state == Idle {
		return nil
	}
	return s.fail(reason)
}

// Handle advances the state machine and returns the commands to write.
func (s *Session) Handle(ev Event) []Command {
	if s.state == Idle {
		s.log.Debugf("RACP: ignoring %T while idle", ev)
		return nil
	}
	switch ev := ev.(type) {
	case ControlEvent:
		return s.handleControl(ev)
	case RecordEvent:
		return s.handleRecord(ev)
	}
	return s.fail(fmt.Errorf("%w: event %T", ErrUnexpectedMessage, ev))
}

func (s *Session) handleControl(data []byte) []Command {
	msg, err := ParseMessage(data)
	if err != nil {
		return s.fail(err)
	}
	if msg.Op == OpResponseCode {
		return s.handleResponse(msg)
	}

	switch {
	case s.state == SyncingTimestamp && msg.Op == OpSetTimestampComplete:
		s.state = AwaitingRecordCount
		return []Command{ReportNumberOfRecordsCommand()}

	case s.state == AwaitingRecordCount && msg.Op == OpNumberOfStoredRecordsResponse:
		if msg.IntervalMs > 0 {
			s.intervalMs = float64(msg.IntervalMs)
		}
		if msg.Count == 0 {
			s.state = NoRecordsFound
			s.succeed([]Record{})
			return nil
		}
		s.expected = int(msg.Count)
		s.state = RequestingRecords
		s.log.WithField("count", msg.Count).Info("RACP: requesting stored records")
		return []Command{ReportStoredRecordsCommand()}
	}
	return s.fail(fmt.Errorf("%w: %s in state %s", ErrUnexpectedMessage, msg.Op, s.state))
}

func (s *Session) handleResponse(msg Message) []Command {
	switch msg.Code {
	case RespSuccess:
		switch s.state {
		case RequestingRecords, ReceivingRecords, AwaitingCompletion:
			if len(s.records) != s.expected {
				s.log.Warnf("RACP: device announced %d records, received %d", s.expected, len(s.records))
			}
			s.commit()
			return nil
		}
	case RespNoRecordsFound:
		switch s.state {
		case AwaitingRecordCount, RequestingRecords:
			s.state = NoRecordsFound
			s.succeed([]Record{})
			return nil
		}
	default:
		from := s.state
		s.state = Aborting
		return s.failFrom(from, &ResponseError{Request: msg.Request, Code: msg.Code})
	}
	return s.fail(fmt.Errorf("%w: response %q in state %s", ErrUnexpectedMessage, msg.Code, s.state))
}

func (s *Session) handleRecord(data []byte) []Command {
	switch s.state {
	case RequestingRecords, ReceivingRecords, AwaitingCompletion:
	default:
		return s.fail(fmt.Errorf("%w: record data in state %s", ErrUnexpectedMessage, s.state))
	}
	rec, err := wire.DecodeRecord(data)
	if err != nil {
		return s.fail(fmt.Errorf("record %d: %w", len(s.records), err))
	}
	s.records = append(s.records, rec)
	s.state = ReceivingRecords
	if len(s.records) >= s.expected {
		s.state = AwaitingCompletion
	}
	return nil
}

// commit stamps every buffered record, treating the log interval as the
// stream's sample rate and the device clock as the wall-clock reference.
func (s *Session) commit() {
	s.state = Committing
	clock := timesync.NewStreamClockState(wire.StreamLog.DefaultWraparound()).
		WithLogger(s.log.WithField("stream", string(wire.StreamLog)))
	rate := 1000 / s.intervalMs

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		ts := clock.Resolve(timesync.Reading{
			Counter:     int64(rec.Sequence),
			DeviceTicks: rec.DeviceTicks,
			SampleCount: 1,
			RateHz:      rate,
			NowMs:       s.cfg.Epoch.Millis(rec.DeviceTicks),
		})
		out = append(out, Record{
			TimestampMs: ts,
			Sequence:    rec.Sequence,
			DeviceTicks: rec.DeviceTicks,
			Values:      rec.Values,
		})
	}
	s.succeed(out)
}

func (s *Session) succeed(records []Record) {
	cb := s.reset()
	s.log.WithField("records", len(records)).Info("RACP: retrieval complete")
	if cb.OnComplete != nil {
		cb.OnComplete(records)
	}
}

// fail ends the session with reason and asks the device to abort.
// Buffered records are discarded.
func (s *Session) fail(reason error) []Command {
	return s.failFrom(s.state, reason)
}

// failFrom is fail for a session that already left state from.
func (s *Session) failFrom(from State, reason error) []Command {
	cb := s.reset()
	s.log.WithError(reason).WithField("state", from.String()).Warn("RACP: retrieval failed")
	if cb.OnFailed != nil {
		cb.OnFailed(reason)
	}
	return []Command{AbortCommand()}
}

func (s *Session) reset() Callbacks {
	cb := s.cb
	s.cb = Callbacks{}
	s.records = nil
	s.expected = 0
	s.state = Idle
	return cb
}
