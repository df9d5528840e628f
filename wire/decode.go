package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned for an unknown format tag or format byte.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrTruncated is returned when the payload does not fit the expected geometry.
	ErrTruncated = errors.New("truncated payload")
)

// SampleBatch is one decoded telemetry notification.
type SampleBatch struct {
	Format      Format
	Counter     uint16 // 8-bit for EMG formats, 16-bit for IMU formats
	DeviceTicks uint32 // device clock, 8 ticks per second
	Channels    int
	Samples     int
	// Values is channel-major: Values[channel][sample].
	Values [][]float64
}

// Decode parses a telemetry notification of the given format.
func Decode(f Format, data []byte) (*SampleBatch, error) {
	if _, ok := formatNames[f]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, uint8(f))
	}
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %s header needs %d bytes, got %d", ErrTruncated, f, HeaderSize, len(data))
	}

	b := &SampleBatch{Format: f}
	if f.IsEMG() {
		b.Counter = uint16(data[1])
	} else {
		b.Counter = binary.LittleEndian.Uint16(data[0:2])
	}
	b.DeviceTicks = binary.LittleEndian.Uint32(data[2:6])
	payload := data[HeaderSize:]

	var err error
	switch f {
	case EmgPower:
		err = b.decodePower(data[0], payload)
	case EmgBuffer16:
		err = b.decodeBuffer16(data[0], payload)
	case EmgBufferAdc24:
		err = b.decodeAdc24(data[0], payload)
	case ImuAccel:
		err = b.decodeVector(payload, AccelScale)
	case ImuGyro:
		err = b.decodeVector(payload, GyroScale)
	case ImuMag:
		err = b.decodeVector(payload, MagScale)
	case ImuAttitude:
		err = b.decodeAttitude(payload)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newMatrix(channels, samples int) [][]float64 {
	m := make([][]float64, channels)
	for c := range m {
		m[c] = make([]float64, samples)
	}
	return m
}

func (b *SampleBatch) decodePower(formatByte byte, payload []byte) error {
	channels := int(formatByte >> 4)
	if channels == 0 {
		return fmt.Errorf("%w: emg power format byte %#02x", ErrUnsupportedFormat, formatByte)
	}
	if len(payload) != channels*2 {
		return fmt.Errorf("%w: %d power channels need %d bytes, got %d", ErrTruncated, channels, channels*2, len(payload))
	}
	b.Channels, b.Samples = channels, 1
	b.Values = newMatrix(channels, 1)
	for c := 0; c < channels; c++ {
		b.Values[c][0] = float64(binary.LittleEndian.Uint16(payload[2*c:]))
	}
	return nil
}

func (b *SampleBatch) decodeBuffer16(formatByte byte, payload []byte) error {
	if formatByte>>4 > 1 {
		return fmt.Errorf("%w: 16-bit buffer is single channel, format byte %#02x", ErrUnsupportedFormat, formatByte)
	}
	if len(payload) != EmgBuffer16Samples*2 {
		return fmt.Errorf("%w: 16-bit buffer needs %d bytes, got %d", ErrTruncated, EmgBuffer16Samples*2, len(payload))
	}
	b.Channels, b.Samples = 1, EmgBuffer16Samples
	b.Values = newMatrix(1, EmgBuffer16Samples)
	for i := 0; i < EmgBuffer16Samples; i++ {
		count := int16(binary.LittleEndian.Uint16(payload[2*i:]))
		b.Values[0][i] = float64(count) * Buffer16MicrovoltsPerLSB
	}
	return nil
}

func (b *SampleBatch) decodeAdc24(formatByte byte, payload []byte) error {
	channels := int(formatByte >> 4)
	if channels == 0 {
		return fmt.Errorf("%w: adc24 format byte %#02x", ErrUnsupportedFormat, formatByte)
	}
	frame := adc24SampleSize * channels
	if len(payload) == 0 || len(payload)%frame != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames", ErrTruncated, len(payload), channels)
	}
	samples := len(payload) / frame
	b.Channels, b.Samples = channels, samples
	b.Values = newMatrix(channels, samples)
	// Frames are channel-interleaved on the wire.
	for s := 0; s < samples; s++ {
		for c := 0; c < channels; c++ {
			off := s*frame + c*adc24SampleSize
			b.Values[c][s] = float64(beInt24(payload[off:])) * Adc24MicrovoltsPerLSB
		}
	}
	return nil
}

func (b *SampleBatch) decodeVector(payload []byte, scale float64) error {
	if len(payload) == 0 || len(payload)%imuSampleSize != 0 {
		return fmt.Errorf("%w: %s payload of %d bytes is not a whole number of xyz samples", ErrTruncated, b.Format, len(payload))
	}
	samples := len(payload) / imuSampleSize
	b.Channels, b.Samples = 3, samples
	b.Values = newMatrix(3, samples)
	for s := 0; s < samples; s++ {
		for axis := 0; axis < 3; axis++ {
			raw := int16(binary.LittleEndian.Uint16(payload[s*imuSampleSize+2*axis:]))
			b.Values[axis][s] = float64(raw) * scale
		}
	}
	return nil
}

func (b *SampleBatch) decodeAttitude(payload []byte) error {
	if len(payload) != attitudeComponents*2 {
		return fmt.Errorf("%w: attitude needs %d bytes, got %d", ErrTruncated, attitudeComponents*2, len(payload))
	}
	b.Channels, b.Samples = attitudeComponents, 1
	b.Values = newMatrix(attitudeComponents, 1)
	for i := 0; i < attitudeComponents; i++ {
		b.Values[i][0] = float64(int16(binary.LittleEndian.Uint16(payload[2*i:]))) * AttitudeScale
	}
	return nil
}

// beInt24 sign-extends a 3-byte big-endian two's-complement value.
func beInt24(b []byte) int32 {
	return int32(uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8) >> 8
}
