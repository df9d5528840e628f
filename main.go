// EMG band BLE host.
//
// Responsibilities:
//   - BLE central: keep EMG bands connected, decode their notifications and
//     stamp every batch with host wall-clock time
//   - Offline log retrieval over the record access control point
//   - HTTP :18889 → REST API, WebSocket /ws → live per-band statistics
//   - Optional JSON-lines recording of everything received
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"emg-bridge/config"
)

var RootCmd = &cobra.Command{
	Use:   "emg-bridge",
	Short: "host bridge for BLE EMG wearables",
	Long:  "host bridge for BLE EMG wearables: telemetry decoding, timestamping and offline log retrieval",
}

func ServeCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "default configuration path")
	cmd.Flags().IntP("port", "p", config.DefaultAPIPort, "port that the API server listens on")
	cmd.Flags().StringP("interface", "i", config.DefaultAPIInterface, "interface that the API server listens on")
	cmd.Flags().IntP("devices", "n", 1, "number of bands to keep connected")
	cmd.Flags().Bool("retrieve", false, "retrieve the offline log when a band connects")
	cmd.Flags().String("record", "", "record everything received to this JSON-lines file")
	cmd.Flags().Bool("debug", false, "toggle debug logging")
}

var ServeCmd = &cobra.Command{
	Use: "serve",
	SuggestFor: []string{
		"ru", "ser",
	},
	Short: "serve connects to EMG bands and serves their data.",
	Long: `serve connects to EMG bands and serves their data, using configuration found in the following order:
1. path specified in --config flag
2. path defined in the EMGBRIDGE_CONFIG environment variable
3. default location $HOME/.config/emg-bridge/config.yaml, /etc/emg-bridge/config.yaml, current directory
The parameters in the configuration file are overridden by, in order of precedence:
1. command line arguments
2. environment variables (EMGBRIDGE_API_PORT, EMGBRIDGE_BLE_MAX_DEVICES, ...)
`,
	Example: `  emg-bridge serve --config=/path/to/config.yaml
  emg-bridge serve -n 2 --retrieve --record session.jsonl`,
	RunE: runServe,
}

func InitCmdFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "configuration to start from")
	cmd.Flags().Bool("print", false, "print config to stdout")
	cmd.Flags().BoolP("yes", "y", false, "overwrite")
	cmd.Flags().StringP("output", "o", config.DefaultConfig, "specify output path")
}

var InitCmd = &cobra.Command{
	Use: "init",
	SuggestFor: []string{
		"ini", "in",
	},
	Short: "init creates a configuration template",
	Long: `init creates a configuration template.
If --print flag is present, the configuration will be printed to stdout.
If --output / -o flag is present, the configuration will be saved to the path specified,
otherwise to $HOME/.config/emg-bridge/config.yaml.
An existing file is only replaced when --yes / -y is present.
`,
	Example: `  emg-bridge init --print
  emg-bridge init -o /path/to/config.yaml -y`,
	RunE: config.InitCfg,
}

func DecodeCmdFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", "emg_adc24", "wire format of the notification, or \"log\" for a historical record")
}

var DecodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "decode prints a captured notification",
	Long: `decode parses a hex-encoded notification offline and prints the decoded batch as JSON.
Formats: emg_power, emg_buffer16, emg_adc24, accel, gyro, mag, attitude, log.
`,
	Example: `  emg-bridge decode -f emg_power 20070000000001000200`,
	Args:    cobra.ExactArgs(1),
	RunE:    runDecode,
}

func getRootCmd() *cobra.Command {
	ServeCmdFlags(ServeCmd)
	RootCmd.AddCommand(ServeCmd)

	InitCmdFlags(InitCmd)
	RootCmd.AddCommand(InitCmd)

	DecodeCmdFlags(DecodeCmd)
	RootCmd.AddCommand(DecodeCmd)

	return RootCmd
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if err := getRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
