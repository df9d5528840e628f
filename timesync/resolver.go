// Package timesync stamps device batches with host wall-clock time.
//
// The band's packet counter has low jitter but no epoch and drifts over a
// long connection; the host clock is authoritative but is only sampled when
// a notification arrives. A StreamClockState keeps the offset between the
// two and re-anchors to the host clock once they disagree by more than
// DriftThresholdMs.
package timesync

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// DriftThresholdMs is the largest disagreement tolerated before re-anchoring.
const DriftThresholdMs = 200

// StreamClockState is the drift-correction state of one (device, stream).
// It must only be mutated by the single call path that owns the stream.
type StreamClockState struct {
	LastCounter       int64
	Delta             float64 // ms between counter time and host time
	Initialized       bool
	WraparoundModulus int64

	// Observations, for health reporting.
	Missed    uint64 // packets skipped according to the counter
	Wraps     uint64
	Reanchors uint64

	logger *log.Entry
}

// NewStreamClockState returns an uninitialized state for a counter that
// wraps at modulus.
func NewStreamClockState(modulus int64) *StreamClockState {
	return &StreamClockState{WraparoundModulus: modulus}
}

// WithLogger attaches the entry that missed-sample observations go to.
func (s *StreamClockState) WithLogger(entry *log.Entry) *StreamClockState {
	s.logger = entry
	return s
}

// Reading is one batch's timing input.
type Reading struct {
	Counter     int64
	DeviceTicks uint32
	SampleCount int
	RateHz      float64 // sensor sample rate
	NowMs       int64   // host wall clock when the batch arrived
}

// Resolve returns the host wall-clock time of the batch in milliseconds and
// advances the stream state.
//
// Only one wraparound is assumed between consecutive readings; a loss
// spanning a full counter period is under-corrected.
func (s *StreamClockState) Resolve(r Reading) int64 {
	if r.RateHz <= 0 {
		return r.NowMs
	}
	packetsPerSecond := r.RateHz / float64(max(r.SampleCount, 1))
	counterTimeMs := float64(r.Counter) * 1000 / packetsPerSecond

	if !s.Initialized {
		s.Delta = float64(r.NowMs) - counterTimeMs
		s.Initialized = true
	} else {
		diff := r.Counter - s.LastCounter
		switch {
		case diff > 1:
			s.Missed += uint64(diff - 1)
			s.entry().WithFields(log.Fields{
				"counter": r.Counter,
				"last":    s.LastCounter,
				"ticks":   r.DeviceTicks,
			}).Debugf("missed %d packets", diff-1)
		case diff < 0:
			s.Wraps++
			s.Delta += float64(s.WraparoundModulus) * 1000 / packetsPerSecond
		}
	}
	s.LastCounter = r.Counter

	resolved := s.Delta + counterTimeMs
	if drift := float64(r.NowMs) - resolved; drift > DriftThresholdMs || drift < -DriftThresholdMs {
		s.Delta += drift
		s.Reanchors++
		resolved = s.Delta + counterTimeMs
	}
	return int64(math.Round(resolved))
}

func (s *StreamClockState) entry() *log.Entry {
	if s.logger == nil {
		return log.NewEntry(log.StandardLogger())
	}
	return s.logger
}
