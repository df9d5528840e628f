// Package wire decodes the EMG band's telemetry notifications.
//
// Every telemetry characteristic carries a 6-byte header followed by a
// payload whose sample count depends on the buffer length. EMG formats use
// [format/channel-nibble][u8 counter][u32 ticks] and IMU formats use
// [u16 counter][u32 ticks]; all multi-byte header fields are little-endian.
package wire

import "fmt"

// Format identifies a telemetry wire layout.
type Format uint8

const (
	EmgPower       Format = iota + 1 // processed EMG power, one u16 per channel
	EmgBuffer16                      // single channel, signed 16-bit samples
	EmgBufferAdc24                   // 2 or 8 channels, 24-bit big-endian samples
	ImuAccel
	ImuGyro
	ImuMag
	ImuAttitude
)

var formatNames = map[Format]string{
	EmgPower:       "emg_power",
	EmgBuffer16:    "emg_buffer16",
	EmgBufferAdc24: "emg_adc24",
	ImuAccel:       "accel",
	ImuGyro:        "gyro",
	ImuMag:         "mag",
	ImuAttitude:    "attitude",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// ParseFormat maps a format name back to its Format.
func ParseFormat(name string) (Format, error) {
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// IsEMG reports whether the format uses the 8-bit counter EMG header.
func (f Format) IsEMG() bool {
	return f == EmgPower || f == EmgBuffer16 || f == EmgBufferAdc24
}

// Stream returns the resolver stream a format's batches are stamped on.
func (f Format) Stream() Stream {
	switch f {
	case EmgPower:
		return StreamEmgPower
	case EmgBuffer16, EmgBufferAdc24:
		return StreamEmgBuffer
	case ImuAccel:
		return StreamAccel
	case ImuGyro:
		return StreamGyro
	case ImuMag:
		return StreamMag
	case ImuAttitude:
		return StreamAttitude
	}
	return ""
}

// Stream names an independently clocked telemetry stream of one device.
type Stream string

const (
	StreamEmgPower  Stream = "emg_power"
	StreamEmgBuffer Stream = "emg_buffer"
	StreamAccel     Stream = "accel"
	StreamGyro      Stream = "gyro"
	StreamMag       Stream = "mag"
	StreamAttitude  Stream = "attitude"
	StreamLog       Stream = "log"
)

// Streams lists every stream in a stable order.
var Streams = []Stream{
	StreamEmgPower, StreamEmgBuffer, StreamAccel, StreamGyro, StreamMag, StreamAttitude, StreamLog,
}

// DefaultWraparound returns the counter modulus of a stream: EMG headers
// carry an 8-bit counter, IMU headers and log records a 16-bit one.
func (s Stream) DefaultWraparound() int64 {
	switch s {
	case StreamEmgPower, StreamEmgBuffer:
		return 1 << 8
	}
	return 1 << 16
}

// Header and payload geometry.
const (
	HeaderSize = 6

	// EmgBuffer16Samples is the fixed sample count of a 16-bit EMG buffer.
	EmgBuffer16Samples = 64

	imuSampleSize      = 6
	attitudeComponents = 4
	adc24SampleSize    = 3
)

// Physical-unit conversion constants.
const (
	// AnalogGain is the two-stage instrumentation amplifier gain.
	AnalogGain = 11 * 10

	// Buffer16MicrovoltsPerLSB converts 16-bit EMG counts to µV.
	Buffer16MicrovoltsPerLSB = 1e6 / (AnalogGain * 8192 / 0.6)

	// Adc24MicrovoltsPerLSB converts 24-bit ADC counts to µV.
	Adc24MicrovoltsPerLSB = (2 * 2.42e6 / 8) / (1<<24 - 1)

	AccelScale    = 9.8 * 16 / 32768 // m/s² per LSB
	GyroScale     = 2000.0 / 32768   // deg/s per LSB
	MagScale      = 1.0              // raw counts
	AttitudeScale = 1.0 / 32767
)
