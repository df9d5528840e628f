package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"emg-bridge/racp"
	"emg-bridge/timesync"
	"emg-bridge/wire"
)

// ErrUnknownDevice is returned when no connected band has the given ID.
var ErrUnknownDevice = errors.New("unknown device")

// ControlWriter writes a command to the band's control point.
type ControlWriter interface {
	WriteControl(data []byte) error
}

// Batch is a decoded notification stamped with host wall-clock time.
type Batch struct {
	DeviceID    string
	Stream      wire.Stream
	TimestampMs int64
	Missed      uint64 // packets lost on this stream so far
	*wire.SampleBatch
}

// SampleHandler is called for every stamped telemetry batch.
type SampleHandler func(b Batch)

// RetrievalHandler is called once per retrieval with either the stamped
// records or the failure reason.
type RetrievalHandler func(deviceID string, records []racp.Record, err error)

// RetrievalStartHandler is called when a retrieval has been started, before
// its first command is written. It must not call back into the Device.
type RetrievalStartHandler func(deviceID string)

// DecodeErrorHandler is called for every dropped notification.
type DecodeErrorHandler func(deviceID string, format wire.Format, err error)

// Handlers are the outbound callbacks of a Device. Nil handlers are skipped.
type Handlers struct {
	OnSamples          SampleHandler
	OnRetrievalStarted RetrievalStartHandler
	OnRetrieval        RetrievalHandler
	OnDecodeError      DecodeErrorHandler
}

// DeviceConfig holds the per-band stream parameters.
type DeviceConfig struct {
	// Rates is the sensor sample rate of each stream in Hz.
	Rates map[wire.Stream]float64
	// BufferFormat is the layout of the raw EMG buffer characteristic,
	// EmgBuffer16 or EmgBufferAdc24 depending on hardware revision.
	BufferFormat wire.Format
	Retrieval    racp.Config
}

// DefaultRates are the band's factory sample rates.
var DefaultRates = map[wire.Stream]float64{
	wire.StreamEmgPower:  10,
	wire.StreamEmgBuffer: 500,
	wire.StreamAccel:     100,
	wire.StreamGyro:      100,
	wire.StreamMag:       25,
	wire.StreamAttitude:  50,
}

// Device is the transport-independent pipeline of one connected band:
// notifications are decoded, stamped and handed to the handlers, and the
// retrieval session is driven over the control point.
type Device struct {
	ID string

	cfg      DeviceConfig
	clocks   *timesync.Table
	control  ControlWriter
	handlers Handlers
	now      func() time.Time
	log      *log.Entry

	// mu serializes the session and control-point writes so that at most
	// one request is outstanding.
	mu      sync.Mutex
	session *racp.Session

	// clockMu is held for reading while a notification is stamped and for
	// writing by Close; no stream clock is created once closed is set.
	clockMu sync.RWMutex
	closed  bool
}

// NewDevice returns the pipeline for a band. Stream clock states are kept in
// clocks under the device ID.
func NewDevice(id string, cfg DeviceConfig, clocks *timesync.Table, control ControlWriter, h Handlers) *Device {
	if cfg.Rates == nil {
		cfg.Rates = DefaultRates
	}
	if cfg.BufferFormat == 0 {
		cfg.BufferFormat = wire.EmgBufferAdc24
	}
	entry := log.WithField("device", id)
	cfg.Retrieval.Logger = entry
	return &Device{
		ID:       id,
		cfg:      cfg,
		clocks:   clocks,
		control:  control,
		handlers: h,
		now:      time.Now,
		log:      entry,
		session:  racp.NewSession(cfg.Retrieval),
	}
}

// BufferFormat returns the layout of the raw EMG characteristic.
func (d *Device) BufferFormat() wire.Format {
	return d.cfg.BufferFormat
}

// HandleTelemetry decodes and stamps one telemetry notification. Malformed
// notifications are dropped and reported; the stream carries on.
// Notifications arriving after Close are ignored.
func (d *Device) HandleTelemetry(f wire.Format, data []byte) {
	d.clockMu.RLock()
	defer d.clockMu.RUnlock()
	if d.closed {
		return
	}

	now := d.now()
	batch, err := wire.Decode(f, data)
	if err != nil {
		d.log.WithError(err).Warnf("BLE: dropping %s notification", f)
		if d.handlers.OnDecodeError != nil {
			d.handlers.OnDecodeError(d.ID, f, err)
		}
		return
	}

	stream := f.Stream()
	clock := d.clocks.State(d.ID, stream)
	ts := clock.Resolve(timesync.Reading{
		Counter:     int64(batch.Counter),
		DeviceTicks: batch.DeviceTicks,
		SampleCount: batch.Samples,
		RateHz:      d.cfg.Rates[stream],
		NowMs:       now.UnixMilli(),
	})

	if d.handlers.OnSamples != nil {
		d.handlers.OnSamples(Batch{
			DeviceID:    d.ID,
			Stream:      stream,
			TimestampMs: ts,
			Missed:      clock.Missed,
			SampleBatch: batch,
		})
	}
}

// HandleControl feeds a control-point indication to the retrieval session.
func (d *Device) HandleControl(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLocked(d.session.Handle(racp.ControlEvent(data)))
}

// HandleRecord feeds a record-data notification to the retrieval session.
func (d *Device) HandleRecord(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeLocked(d.session.Handle(racp.RecordEvent(data)))
}

type retrievalResult struct {
	records []racp.Record
	err     error
}

// Retrieve downloads the band's offline log. When ctx ends first the
// retrieval is aborted. Retrieve fails with racp.ErrBusy if another
// retrieval is in progress.
func (d *Device) Retrieve(ctx context.Context) ([]racp.Record, error) {
	done := make(chan retrievalResult, 1)

	d.mu.Lock()
	cmds, err := d.session.Begin(d.now(), racp.Callbacks{
		OnComplete: func(records []racp.Record) { done <- retrievalResult{records: records} },
		OnFailed:   func(reason error) { done <- retrievalResult{err: reason} },
	})
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.log.Info("BLE: retrieving offline log")
	if d.handlers.OnRetrievalStarted != nil {
		d.handlers.OnRetrievalStarted(d.ID)
	}
	d.writeLocked(cmds)
	d.mu.Unlock()

	var res retrievalResult
	select {
	case res = <-done:
	case <-ctx.Done():
		d.mu.Lock()
		select {
		case res = <-done:
		default:
			// Still our session: no other retrieval can begin while it is active.
			d.writeLocked(d.session.Abort())
			res = <-done
		}
		d.mu.Unlock()
		if errors.Is(res.err, racp.ErrCancelled) {
			res.err = fmt.Errorf("%w: %w", res.err, ctx.Err())
		}
	}

	if d.handlers.OnRetrieval != nil {
		d.handlers.OnRetrieval(d.ID, res.records, res.err)
	}
	return res.records, res.err
}

// Abort cancels the retrieval in progress and reports whether there was one.
func (d *Device) Abort() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmds := d.session.Abort()
	d.writeLocked(cmds)
	return cmds != nil
}

// RetrievalState returns the state of the retrieval session.
func (d *Device) RetrievalState() racp.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session.State()
}

// Close aborts any retrieval and drops the device's stream clocks.
func (d *Device) Close() {
	d.Abort()

	d.clockMu.Lock()
	defer d.clockMu.Unlock()
	d.closed = true
	d.clocks.Forget(d.ID)
}

// writeLocked writes commands in order. A failed write ends the session.
// Must be called with d.mu held.
func (d *Device) writeLocked(cmds []racp.Command) {
	for _, cmd := range cmds {
		d.log.Debugf("RACP: -> %s", cmd)
		if err := d.control.WriteControl(cmd.Bytes()); err != nil {
			d.log.WithError(err).Warnf("RACP: failed to write %s", cmd.Op)
			if d.session.Active() {
				for _, abort := range d.session.Fail(fmt.Errorf("write %s: %w", cmd.Op, err)) {
					_ = d.control.WriteControl(abort.Bytes())
				}
			}
			return
		}
	}
}
