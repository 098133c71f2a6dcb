package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/kiwilink/internal/app"
	"github.com/skobkin/kiwilink/internal/config"
	"github.com/skobkin/kiwilink/internal/session"
	"github.com/skobkin/kiwilink/internal/transport"
)

const defaultAckWait = 2 * time.Second

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath  string
	host        string
	transport   string
	commandPort string
	videoPort   string
	logLevel    string

	// dialer replaces the configured transport in tests.
	dialer transport.Dialer
}

func main() {
	if err := newRootCmd(&rootOptions{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           app.Name,
		Short:         "Remote-control bridge for a LeKiwi robot",
		Long:          "kiwilink pushes commands to a LeKiwi robot and receives its video stream over two independent channels.",
		Version:       app.BuildVersion(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetVersionTemplate(app.BuildSummary() + "\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path (default: user config dir)")
	flags.StringVar(&opts.host, "host", "", "robot host, overrides config")
	flags.StringVar(&opts.transport, "transport", "", "transport: zmq, tcp or ws, overrides config")
	flags.StringVar(&opts.commandPort, "command-port", "", "command channel port, overrides config")
	flags.StringVar(&opts.videoPort, "video-port", "", "video channel port, overrides config")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newConnectCmd(opts),
		newDriveCmd(opts),
		newSendCmd(opts),
		newStopCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)

	return root
}

func (o *rootOptions) override(cfg *config.AppConfig) {
	if v := strings.TrimSpace(o.host); v != "" {
		cfg.Connection.Host = v
	}
	if v := strings.TrimSpace(o.transport); v != "" {
		cfg.Connection.Transport = config.TransportType(v)
	}
	if v := strings.TrimSpace(o.commandPort); v != "" {
		cfg.Connection.CommandPort = v
	}
	if v := strings.TrimSpace(o.videoPort); v != "" {
		cfg.Connection.VideoPort = v
	}
	if v := strings.TrimSpace(o.logLevel); v != "" {
		cfg.Logging.Level = v
	}
}

// openRuntime initializes the runtime and connects to the robot. Logs go to
// stderr so stdout stays usable for command output.
func (o *rootOptions) openRuntime(ctx context.Context, cmd *cobra.Command, onVideo func(session.VideoMessage)) (*app.Runtime, error) {
	rt, err := app.Initialize(ctx, app.Options{
		ConfigPath: o.configPath,
		Dialer:     o.dialer,
		LogOutput:  cmd.ErrOrStderr(),
		OnVideo:    onVideo,
		Override:   o.override,
	})
	if err != nil {
		return nil, err
	}
	if err := rt.Connect(ctx); err != nil {
		_ = rt.Close()

		return nil, fmt.Errorf("connect: %w", err)
	}

	return rt, nil
}

// sendAndWait submits payload and waits until it is written or fails.
func sendAndWait(ctx context.Context, rt *app.Runtime, payload []byte, wait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	return rt.Bridge.SendCommandWait(waitCtx, payload)
}
