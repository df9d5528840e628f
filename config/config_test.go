package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"emg-bridge/wire"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().IntP("port", "p", DefaultAPIPort, "")
	cmd.Flags().StringP("interface", "i", DefaultAPIInterface, "")
	cmd.Flags().Int("devices", 1, "")
	cmd.Flags().Bool("retrieve", false, "")
	cmd.Flags().String("record", "", "")
	cmd.Flags().Bool("debug", false, "")
	return cmd
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseDefaults(t *testing.T) {
	cmd := newServeCmd()
	_ = cmd.Flags().Set("config", writeConfig(t, "debug: false\n"))

	desc := NewEMGBridgeDesc()
	if err := desc.Parse(cmd); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if desc.Opt.API.Port != DefaultAPIPort || desc.Opt.BLE.MaxDevices != 1 {
		t.Errorf("opt = %+v", desc.Opt)
	}
	dev, err := desc.Opt.DeviceConfig()
	if err != nil {
		t.Fatalf("DeviceConfig: %v", err)
	}
	if dev.BufferFormat != wire.EmgBufferAdc24 {
		t.Errorf("buffer format = %s", dev.BufferFormat)
	}
	if dev.Rates[wire.StreamEmgBuffer] != 500 {
		t.Errorf("emg buffer rate = %v, want 500", dev.Rates[wire.StreamEmgBuffer])
	}
	if dev.Retrieval.DefaultInterval != time.Second {
		t.Errorf("log interval = %v, want 1s", dev.Retrieval.DefaultInterval)
	}
	if got := dev.Retrieval.Epoch.Millis(0); got != time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("epoch = %d", got)
	}
}

func TestParseFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 9000
ble:
  max_devices: 3
  name_prefix: MyoBand
stream:
  buffer_format: emg_buffer16
  rates:
    accel: 50
  wraparound:
    emg_power: 128
`)
	t.Setenv("EMGBRIDGE_API_INTERFACE", "127.0.0.1")

	cmd := newServeCmd()
	_ = cmd.Flags().Set("config", path)
	_ = cmd.Flags().Set("port", "9100")
	_ = cmd.Flags().Set("record", "/tmp/out.jsonl")

	desc := NewEMGBridgeDesc()
	if err := desc.Parse(cmd); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	opt := desc.Opt
	if opt.API.Port != 9100 {
		t.Errorf("port = %d, want flag value 9100", opt.API.Port)
	}
	if opt.ListenAddr() != "127.0.0.1:9100" {
		t.Errorf("listen addr = %s", opt.ListenAddr())
	}
	if opt.BLE.MaxDevices != 3 || opt.BLE.NamePrefix != "MyoBand" {
		t.Errorf("ble = %+v", opt.BLE)
	}
	if !opt.Recorder.Enabled || opt.Recorder.Path != "/tmp/out.jsonl" {
		t.Errorf("recorder = %+v", opt.Recorder)
	}
	if opt.Moduli()[wire.StreamEmgPower] != 128 {
		t.Errorf("moduli = %v", opt.Moduli())
	}

	central, err := opt.CentralConfig()
	if err != nil {
		t.Fatalf("CentralConfig: %v", err)
	}
	if central.Device.BufferFormat != wire.EmgBuffer16 {
		t.Errorf("buffer format = %s", central.Device.BufferFormat)
	}
	if central.Device.Rates[wire.StreamAccel] != 50 || central.Device.Rates[wire.StreamGyro] != 100 {
		t.Errorf("rates = %v", central.Device.Rates)
	}
	if opt.ScanConfig().MaxDevices != 3 {
		t.Errorf("scan config = %+v", opt.ScanConfig())
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*EMGBridgeOpt){
		"buffer format":  func(o *EMGBridgeOpt) { o.Stream.BufferFormat = "accel" },
		"epoch":          func(o *EMGBridgeOpt) { o.Stream.Epoch = "yesterday" },
		"max devices":    func(o *EMGBridgeOpt) { o.BLE.MaxDevices = 0 },
		"unknown stream": func(o *EMGBridgeOpt) { o.Stream.Rates["ecg"] = 130 },
		"wraparound":     func(o *EMGBridgeOpt) { o.Stream.Wraparound["gyro"] = 1 },
	}
	for name, mutate := range cases {
		opt := NewEMGBridgeOpt()
		mutate(&opt)
		if err := opt.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: Validate error = %v, want ErrInvalidConfig", name, err)
		}
	}
	opt := NewEMGBridgeOpt()
	if err := opt.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestDumpOption(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	opt := NewEMGBridgeOpt()
	if err := DumpOption(opt, out, false); err != nil {
		t.Fatalf("DumpOption: %v", err)
	}
	if err := DumpOption(opt, out, false); err == nil {
		t.Error("DumpOption overwrote an existing file without --yes")
	}
	if err := DumpOption(opt, out, true); err != nil {
		t.Errorf("DumpOption with overwrite: %v", err)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var back EMGBridgeOpt
	if err := yaml.Unmarshal(raw, &back); err != nil {
		t.Fatalf("template is not valid YAML: %v", err)
	}
	if back.Stream.BufferFormat != DefaultBufferFormat || back.BLE.NamePrefix != DefaultNamePrefix {
		t.Errorf("template = %+v", back)
	}
}

func TestInitCfgPrint(t *testing.T) {
	cmd := &cobra.Command{Use: "init"}
	cmd.Flags().Bool("print", false, "")
	cmd.Flags().BoolP("yes", "y", false, "")
	cmd.Flags().StringP("output", "o", DefaultConfig, "")
	cmd.Flags().String("config", "", "")
	_ = cmd.Flags().Set("print", "true")
	_ = cmd.Flags().Set("config", writeConfig(t, "debug: true\n"))

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := InitCfg(cmd, nil); err != nil {
		t.Fatalf("InitCfg: %v", err)
	}
	if !strings.Contains(buf.String(), "buffer_format: emg_adc24") || !strings.Contains(buf.String(), "debug: true") {
		t.Errorf("printed config:\n%s", buf.String())
	}
}
