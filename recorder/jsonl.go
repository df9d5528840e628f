// Package recorder persists pipeline output as JSON lines.
package recorder

import (
	"context"
	"encoding/json"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"emg-bridge/ble"
	"emg-bridge/racp"
	"emg-bridge/wire"
)

// Entry kinds.
const (
	KindBatch           = "batch"
	KindRecord          = "record"
	KindRetrievalFailed = "retrieval_failed"
)

// Entry is one line of the recording.
type Entry struct {
	Kind     string `json:"kind"`
	Device   string `json:"device"`
	Stream   string `json:"stream,omitempty"`
	TsMs     int64  `json:"ts_ms"`
	Channels int    `json:"channels,omitempty"`
	Samples  int    `json:"samples,omitempty"`
	Missed   uint64 `json:"missed,omitempty"`
	// Values is channel-major for batches and per-channel power for records.
	Values any    `json:"values,omitempty"`
	Seq    *int   `json:"seq,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchEntry converts a stamped telemetry batch.
func BatchEntry(b ble.Batch) Entry {
	return Entry{
		Kind:     KindBatch,
		Device:   b.DeviceID,
		Stream:   string(b.Stream),
		TsMs:     b.TimestampMs,
		Channels: b.Channels,
		Samples:  b.Samples,
		Missed:   b.Missed,
		Values:   b.Values,
	}
}

// RetrievalEntries converts the outcome of a retrieval: one entry per
// record, or a single failure entry.
func RetrievalEntries(device string, records []racp.Record, err error, now time.Time) []Entry {
	if err != nil {
		return []Entry{{
			Kind:   KindRetrievalFailed,
			Device: device,
			TsMs:   now.UnixMilli(),
			Error:  err.Error(),
		}}
	}
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		seq := int(r.Sequence)
		out = append(out, Entry{
			Kind:   KindRecord,
			Device: device,
			Stream: string(wire.StreamLog),
			TsMs:   r.TimestampMs,
			Values: r.Values,
			Seq:    &seq,
		})
	}
	return out
}

// JSONLWriter writes entries as one JSON object per line.
type JSONLWriter struct {
	enc *json.Encoder
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

// Consume writes entries from in until ctx is done or in is closed.
func (j *JSONLWriter) Consume(ctx context.Context, in <-chan Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if err := j.enc.Encode(e); err != nil {
				log.WithError(err).Warnln("recorder: write failed")
			}
		}
	}
}
