package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"emg-bridge/ble"
	"emg-bridge/racp"
	"emg-bridge/timesync"
	"emg-bridge/wire"
)

const DefaultAppName = "emg-bridge"
const DefaultEnvPrefix = "EMGBRIDGE"
const DefaultConfigName = "config"
const DefaultAPIInterface = "0.0.0.0"
const DefaultAPIPort = 18889
const DefaultNamePrefix = "EMG"
const DefaultBufferFormat = "emg_adc24"
const DefaultLogIntervalMs = 1000

var userHomeDir, _ = os.UserHomeDir()
var DefaultConfig = path.Join(userHomeDir, ".config/"+DefaultAppName+"/"+DefaultConfigName+".yaml")
var DefaultConfigSearchPath0 = path.Join(userHomeDir, ".config", DefaultAppName)

const DefaultConfigSearchPath1 = "/etc/" + DefaultAppName
const DefaultConfigSearchPath2 = "./"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

type APIOpt struct {
	Port      int    `yaml:"port" mapstructure:"port"`
	Interface string `yaml:"interface" mapstructure:"interface"`
}

type BLEOpt struct {
	NamePrefix         string `yaml:"name_prefix" mapstructure:"name_prefix"`
	MaxDevices         int    `yaml:"max_devices" mapstructure:"max_devices"`
	ScanIntervalMs     int    `yaml:"scan_interval_ms" mapstructure:"scan_interval_ms"`
	ResolveTimeoutMs   int    `yaml:"resolve_timeout_ms" mapstructure:"resolve_timeout_ms"`
	AutoReconnect      bool   `yaml:"auto_reconnect" mapstructure:"auto_reconnect"`
	RetrieveOnConnect  bool   `yaml:"retrieve_on_connect" mapstructure:"retrieve_on_connect"`
	RetrievalTimeoutMs int    `yaml:"retrieval_timeout_ms" mapstructure:"retrieval_timeout_ms"`
}

type StreamOpt struct {
	// BufferFormat is the raw EMG buffer layout, emg_adc24 or emg_buffer16.
	BufferFormat string             `yaml:"buffer_format" mapstructure:"buffer_format"`
	Rates        map[string]float64 `yaml:"rates" mapstructure:"rates"`
	Wraparound   map[string]int64   `yaml:"wraparound" mapstructure:"wraparound"`
	// LogIntervalMs is the offline log interval when the band does not report one.
	LogIntervalMs int `yaml:"log_interval_ms" mapstructure:"log_interval_ms"`
	// Epoch is the RFC 3339 instant of device tick zero.
	Epoch string `yaml:"epoch" mapstructure:"epoch"`
}

type RecorderOpt struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

type EMGBridgeOpt struct {
	API      APIOpt      `yaml:"api" mapstructure:"api"`
	BLE      BLEOpt      `yaml:"ble" mapstructure:"ble"`
	Stream   StreamOpt   `yaml:"stream" mapstructure:"stream"`
	Recorder RecorderOpt `yaml:"recorder" mapstructure:"recorder"`
	Debug    bool        `yaml:"debug" mapstructure:"debug"`
}

type EMGBridgeDesc struct {
	Opt   EMGBridgeOpt
	Viper *viper.Viper
}

func NewEMGBridgeDesc() EMGBridgeDesc {
	return EMGBridgeDesc{
		Opt:   NewEMGBridgeOpt(),
		Viper: nil,
	}
}

func NewEMGBridgeOpt() EMGBridgeOpt {
	rates := make(map[string]float64, len(ble.DefaultRates))
	for s, r := range ble.DefaultRates {
		rates[string(s)] = r
	}
	scan := ble.DefaultScanConfig()
	return EMGBridgeOpt{
		API: APIOpt{
			Port:      DefaultAPIPort,
			Interface: DefaultAPIInterface,
		},
		BLE: BLEOpt{
			NamePrefix:         DefaultNamePrefix,
			MaxDevices:         scan.MaxDevices,
			ScanIntervalMs:     int(scan.ScanInterval / time.Millisecond),
			ResolveTimeoutMs:   15000,
			AutoReconnect:      scan.AutoReconnect,
			RetrieveOnConnect:  false,
			RetrievalTimeoutMs: 120000,
		},
		Stream: StreamOpt{
			BufferFormat:  DefaultBufferFormat,
			Rates:         rates,
			Wraparound:    map[string]int64{},
			LogIntervalMs: DefaultLogIntervalMs,
			Epoch:         timesync.DefaultEpoch.Format(time.RFC3339),
		},
		Recorder: RecorderOpt{
			Enabled: false,
			Path:    "emg-bridge.jsonl",
		},
		Debug: false,
	}
}

func setDefaults(vipCfg *viper.Viper) {
	def := NewEMGBridgeOpt()
	vipCfg.SetDefault("api.port", def.API.Port)
	vipCfg.SetDefault("api.interface", def.API.Interface)
	vipCfg.SetDefault("ble.name_prefix", def.BLE.NamePrefix)
	vipCfg.SetDefault("ble.max_devices", def.BLE.MaxDevices)
	vipCfg.SetDefault("ble.scan_interval_ms", def.BLE.ScanIntervalMs)
	vipCfg.SetDefault("ble.resolve_timeout_ms", def.BLE.ResolveTimeoutMs)
	vipCfg.SetDefault("ble.auto_reconnect", def.BLE.AutoReconnect)
	vipCfg.SetDefault("ble.retrieve_on_connect", def.BLE.RetrieveOnConnect)
	vipCfg.SetDefault("ble.retrieval_timeout_ms", def.BLE.RetrievalTimeoutMs)
	vipCfg.SetDefault("stream.buffer_format", def.Stream.BufferFormat)
	vipCfg.SetDefault("stream.rates", def.Stream.Rates)
	vipCfg.SetDefault("stream.log_interval_ms", def.Stream.LogIntervalMs)
	vipCfg.SetDefault("stream.epoch", def.Stream.Epoch)
	vipCfg.SetDefault("recorder.enabled", def.Recorder.Enabled)
	vipCfg.SetDefault("recorder.path", def.Recorder.Path)
	vipCfg.SetDefault("debug", false)
}

func (o *EMGBridgeDesc) Parse(cmd *cobra.Command) error {
	vipCfg := viper.New()
	setDefaults(vipCfg)

	if configFileCmd, err := cmd.Flags().GetString("config"); err == nil && configFileCmd != "" {
		vipCfg.SetConfigFile(configFileCmd)
	} else {
		configFileEnv := os.Getenv(DefaultEnvPrefix + "_CONFIG")
		if configFileEnv != "" {
			vipCfg.SetConfigFile(configFileEnv)
		} else {
			vipCfg.SetConfigName(DefaultConfigName)
			vipCfg.SetConfigType("yaml")
			vipCfg.AddConfigPath(DefaultConfigSearchPath0)
			vipCfg.AddConfigPath(DefaultConfigSearchPath1)
			vipCfg.AddConfigPath(DefaultConfigSearchPath2)
		}
	}

	vipCfg.SetEnvPrefix(DefaultEnvPrefix)
	vipCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vipCfg.AutomaticEnv()

	bindFlag(vipCfg, cmd, "api.port", "port")
	bindFlag(vipCfg, cmd, "api.interface", "interface")
	bindFlag(vipCfg, cmd, "ble.max_devices", "devices")
	bindFlag(vipCfg, cmd, "ble.retrieve_on_connect", "retrieve")
	bindFlag(vipCfg, cmd, "recorder.path", "record")
	bindFlag(vipCfg, cmd, "debug", "debug")

	// If a config file is found, read it in.
	if err := vipCfg.ReadInConfig(); err == nil {
		log.Debugln("using config file:", vipCfg.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		log.Debugln(err)
	}

	if err := vipCfg.Unmarshal(&o.Opt); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// --record implies recording.
	if f := cmd.Flags().Lookup("record"); f != nil && f.Changed {
		o.Opt.Recorder.Enabled = true
	}

	o.Viper = vipCfg
	return o.Opt.Validate()
}

func bindFlag(vipCfg *viper.Viper, cmd *cobra.Command, key, flag string) {
	if f := cmd.Flags().Lookup(flag); f != nil {
		_ = vipCfg.BindPFlag(key, f)
	}
}

func (o *EMGBridgeDesc) PostParse() {
	if o.Opt.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// Validate checks the option values that cannot be defaulted.
func (o *EMGBridgeOpt) Validate() error {
	if _, err := o.bufferFormat(); err != nil {
		return err
	}
	if _, err := o.epoch(); err != nil {
		return err
	}
	if o.BLE.MaxDevices < 1 {
		return fmt.Errorf("%w: ble.max_devices must be at least 1, got %d", ErrInvalidConfig, o.BLE.MaxDevices)
	}
	for name, rate := range o.Stream.Rates {
		if !knownStream(name) {
			return fmt.Errorf("%w: unknown stream %q in stream.rates", ErrInvalidConfig, name)
		}
		if rate < 0 {
			return fmt.Errorf("%w: negative rate for %s", ErrInvalidConfig, name)
		}
	}
	for name, mod := range o.Stream.Wraparound {
		if !knownStream(name) {
			return fmt.Errorf("%w: unknown stream %q in stream.wraparound", ErrInvalidConfig, name)
		}
		if mod < 2 {
			return fmt.Errorf("%w: wraparound for %s must be at least 2, got %d", ErrInvalidConfig, name, mod)
		}
	}
	return nil
}

func knownStream(name string) bool {
	for _, s := range wire.Streams {
		if string(s) == name {
			return true
		}
	}
	return false
}

func (o *EMGBridgeOpt) bufferFormat() (wire.Format, error) {
	f, err := wire.ParseFormat(o.Stream.BufferFormat)
	if err != nil || (f != wire.EmgBuffer16 && f != wire.EmgBufferAdc24) {
		return 0, fmt.Errorf("%w: stream.buffer_format must be emg_adc24 or emg_buffer16, got %q", ErrInvalidConfig, o.Stream.BufferFormat)
	}
	return f, nil
}

func (o *EMGBridgeOpt) epoch() (timesync.Epoch, error) {
	t, err := time.Parse(time.RFC3339, o.Stream.Epoch)
	if err != nil {
		return timesync.Epoch{}, fmt.Errorf("%w: stream.epoch: %w", ErrInvalidConfig, err)
	}
	return timesync.NewEpoch(t), nil
}

// Moduli returns the per-stream counter wraparound overrides.
func (o *EMGBridgeOpt) Moduli() map[wire.Stream]int64 {
	m := make(map[wire.Stream]int64, len(o.Stream.Wraparound))
	for name, mod := range o.Stream.Wraparound {
		m[wire.Stream(name)] = mod
	}
	return m
}

// DeviceConfig returns the per-band pipeline settings. Streams without a
// configured rate use the band's factory rate.
func (o *EMGBridgeOpt) DeviceConfig() (ble.DeviceConfig, error) {
	f, err := o.bufferFormat()
	if err != nil {
		return ble.DeviceConfig{}, err
	}
	epoch, err := o.epoch()
	if err != nil {
		return ble.DeviceConfig{}, err
	}
	rates := make(map[wire.Stream]float64, len(ble.DefaultRates))
	for s, r := range ble.DefaultRates {
		rates[s] = r
	}
	for name, r := range o.Stream.Rates {
		rates[wire.Stream(name)] = r
	}
	return ble.DeviceConfig{
		Rates:        rates,
		BufferFormat: f,
		Retrieval: racp.Config{
			Epoch:           epoch,
			DefaultInterval: time.Duration(o.Stream.LogIntervalMs) * time.Millisecond,
		},
	}, nil
}

// CentralConfig returns the BLE central settings.
func (o *EMGBridgeOpt) CentralConfig() (ble.CentralConfig, error) {
	dev, err := o.DeviceConfig()
	if err != nil {
		return ble.CentralConfig{}, err
	}
	return ble.CentralConfig{
		NamePrefix:        o.BLE.NamePrefix,
		ResolveTimeout:    time.Duration(o.BLE.ResolveTimeoutMs) * time.Millisecond,
		Device:            dev,
		RetrieveOnConnect: o.BLE.RetrieveOnConnect,
		RetrievalTimeout:  o.RetrievalTimeout(),
	}, nil
}

// ScanConfig returns the scanner settings.
func (o *EMGBridgeOpt) ScanConfig() ble.ScanConfig {
	return ble.ScanConfig{
		MaxDevices:    o.BLE.MaxDevices,
		ScanInterval:  time.Duration(o.BLE.ScanIntervalMs) * time.Millisecond,
		AutoReconnect: o.BLE.AutoReconnect,
	}
}

// RetrievalTimeout bounds one offline log retrieval.
func (o *EMGBridgeOpt) RetrievalTimeout() time.Duration {
	if o.BLE.RetrievalTimeoutMs <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(o.BLE.RetrievalTimeoutMs) * time.Millisecond
}

// ListenAddr is the API server address.
func (o *EMGBridgeOpt) ListenAddr() string {
	return fmt.Sprintf("%s:%d", o.API.Interface, o.API.Port)
}

// InitCfg prepares a config template for the application.
func InitCfg(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwriteFlag, _ := cmd.Flags().GetBool("yes")

	desc := NewEMGBridgeDesc()
	if err := desc.Parse(cmd); err != nil {
		log.Errorln(err)
		return err
	}

	if printFlag {
		configBuffer, err := yaml.Marshal(desc.Opt)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(configBuffer))
		return err
	}
	if err := DumpOption(desc.Opt, outputPath, overwriteFlag); err != nil {
		return err
	}
	log.Infoln("configuration written to", outputPath)
	return nil
}

// DumpOption writes opt as YAML to outputPath, creating the parent directory.
// An existing file is only replaced when overwrite is set.
func DumpOption(opt interface{}, outputPath string, overwrite bool) error {
	buffer, err := yaml.Marshal(opt)
	if err != nil {
		return err
	}

	parentPath := path.Dir(outputPath)
	if err := os.MkdirAll(parentPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", parentPath, err)
	}

	if !overwrite {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("configuration %s already exists, use --yes to overwrite", outputPath)
		}
	}
	return os.WriteFile(outputPath, buffer, 0644)
}
