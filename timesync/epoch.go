package timesync

import "time"

// TicksPerSecond is the resolution of the device clock.
const TicksPerSecond = 8

// DefaultEpoch is the instant device tick zero refers to.
var DefaultEpoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Epoch converts between device clock ticks and host milliseconds.
type Epoch struct {
	Ms int64
}

// NewEpoch returns the conversion anchored at t.
func NewEpoch(t time.Time) Epoch {
	return Epoch{Ms: t.UnixMilli()}
}

// Millis converts device ticks to host milliseconds.
func (e Epoch) Millis(ticks uint32) int64 {
	return e.Ms + int64(ticks)*1000/TicksPerSecond
}

// Ticks converts host milliseconds to device ticks. Instants before the
// epoch clamp to zero.
func (e Epoch) Ticks(ms int64) uint32 {
	if ms <= e.Ms {
		return 0
	}
	return uint32((ms - e.Ms) * TicksPerSecond / 1000)
}
