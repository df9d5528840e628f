package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"emg-bridge/wire"
)

type decodedBatch struct {
	Format      string      `json:"format"`
	Counter     uint16      `json:"counter"`
	DeviceTicks uint32      `json:"ticks"`
	Channels    int         `json:"channels"`
	Samples     int         `json:"samples"`
	Values      [][]float64 `json:"values"`
}

type decodedRecord struct {
	Sequence    uint16    `json:"seq"`
	DeviceTicks uint32    `json:"ticks"`
	Values      []float64 `json:"values"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	return decodeNotification(cmd.OutOrStdout(), format, args[0])
}

// decodeNotification decodes a hex notification of the named format and
// writes it as indented JSON.
func decodeNotification(w io.Writer, format, hexData string) error {
	data, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(hexData))
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}

	var out any
	if format == string(wire.StreamLog) {
		rec, err := wire.DecodeRecord(data)
		if err != nil {
			return err
		}
		out = decodedRecord{
			Sequence:    rec.Sequence,
			DeviceTicks: rec.DeviceTicks,
			Values:      rec.Values,
		}
	} else {
		f, err := wire.ParseFormat(format)
		if err != nil {
			return err
		}
		batch, err := wire.Decode(f, data)
		if err != nil {
			return err
		}
		out = decodedBatch{
			Format:      f.String(),
			Counter:     batch.Counter,
			DeviceTicks: batch.DeviceTicks,
			Channels:    batch.Channels,
			Samples:     batch.Samples,
			Values:      batch.Values,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
