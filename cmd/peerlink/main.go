// Command peerlink discovers nearby peers, connects to them and streams the
// peer and messaging events as JSON lines.
//
// Prerequisites for the default Bluetooth transport:
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile usually needs root: run with sudo if needed.
//
// Examples:
//
//	peerlink scan --timeout 15s
//	peerlink run --name Kitchen
//	PEERLINK_TRANSPORT=lan peerlink run
//
// Every flag also reads a PEERLINK_* environment variable; see internal/config.
package main

import (
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"bluetooth-peerlink/internal/config"
)

var logger = logging.Logger("peerlink")

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfg    config.Config
	envErr error
)

var rootCmd = &cobra.Command{
	Use:           "peerlink",
	Short:         "Peer discovery and connections over Bluetooth, LAN or libp2p",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		if envErr != nil {
			return envErr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		lvl, _ := logging.LevelFromString(cfg.LogLevel)
		logging.SetAllLoggers(lvl)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "peerlink %s\n", version)
	},
}

func init() {
	cfg, envErr = config.FromEnv()

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: bluez|lan|p2p")
	f.StringVar(&cfg.LocalID, "id", cfg.LocalID, "local peer identifier")
	f.StringVar(&cfg.LocalName, "name", cfg.LocalName, "local display name (also the SPP service name)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	f.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "give up on a connect attempt after this long")
	f.BoolVar(&cfg.SuppressWhileConnected, "suppress-while-connected", cfg.SuppressWhileConnected, "stop reporting discovered peers while a session is live")
	f.DurationVar(&cfg.ScanWindow, "scan-window", cfg.ScanWindow, "bluez: length of one discovery pass")
	f.StringVar(&cfg.LANGroup, "lan-group", cfg.LANGroup, "lan: multicast group for announcements")
	f.StringVar(&cfg.LANListen, "lan-listen", cfg.LANListen, "lan: TCP listen address")
	f.DurationVar(&cfg.LANInterval, "lan-interval", cfg.LANInterval, "lan: announcement interval")
	f.StringSliceVar(&cfg.P2PListen, "p2p-listen", cfg.P2PListen, "p2p: listen multiaddrs")
	f.StringVar(&cfg.P2PServiceTag, "p2p-tag", cfg.P2PServiceTag, "p2p: mDNS service tag")

	scanCmd.Flags().Duration("timeout", 15*time.Second, "how long to discover")

	rootCmd.AddCommand(scanCmd, runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "peerlink:", err)
		os.Exit(1)
	}
}
