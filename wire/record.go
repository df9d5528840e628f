package wire

import (
	"encoding/binary"
	"fmt"
)

const recordHeaderSize = 6

// HistoricalRecord is one entry of the band's offline log.
type HistoricalRecord struct {
	Sequence    uint16 // log counter, wraps at 65536
	DeviceTicks uint32 // device clock when the entry was logged
	Values      []float64
}

// DecodeRecord parses a record-data notification:
// [u16 sequence][u32 device ticks][n × u16 power], all little-endian.
func DecodeRecord(data []byte) (HistoricalRecord, error) {
	if len(data) < recordHeaderSize+2 {
		return HistoricalRecord{}, fmt.Errorf("%w: record needs at least %d bytes, got %d", ErrTruncated, recordHeaderSize+2, len(data))
	}
	payload := data[recordHeaderSize:]
	if len(payload)%2 != 0 {
		return HistoricalRecord{}, fmt.Errorf("%w: record payload of %d bytes is not a whole number of values", ErrTruncated, len(payload))
	}
	rec := HistoricalRecord{
		Sequence:    binary.LittleEndian.Uint16(data[0:2]),
		DeviceTicks: binary.LittleEndian.Uint32(data[2:6]),
		Values:      make([]float64, len(payload)/2),
	}
	for i := range rec.Values {
		rec.Values[i] = float64(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return rec, nil
}
