package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"modbot/console"
	"modbot/gateway"
	"modbot/gateway/telegram"
	"modbot/gateway/websocket"
	"modbot/host"
	"modbot/internal/config"
	"modbot/internal/logging"

	"github.com/spf13/cobra"

	// Built-in modules register themselves in init
	_ "modbot/modules/ping"
)

var version = "0.1.0"

type rootOptions struct {
	configPath string
	envFile    string
	modulesDir string
	mode       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "modbot",
		Short:        "A chat bot host that loads its features from modules",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "bot.yml", "path to the configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	flags.StringVar(&opts.modulesDir, "modules-dir", "", "directory scanned for module artifacts (overrides config)")
	flags.StringVar(&opts.mode, "mode", "", "execution mode: daemon or interactive (overrides config)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the bot (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runHost(cmd.Context(), opts)
			},
		},
		newModulesCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "modbot %s\n", version)
			},
		},
	)

	return root
}

// loadConfig applies the env file, the config file and the flag overrides
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}

	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if opts.modulesDir != "" {
		cfg.Modules.Dir = opts.modulesDir
	}
	if opts.mode != "" {
		cfg.Mode = config.Mode(opts.mode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runHost(ctx context.Context, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.Setup(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hostOpts := []host.Option{host.WithLogger(logger), host.WithVersion(version)}

	var con *console.Console
	if cfg.Mode == config.ModeInteractive {
		con = console.New(os.Stdin, os.Stdout, console.WithLogger(logger), console.WithTokenStore(cfg))
		con.Banner(version)
		hostOpts = append(hostOpts, host.WithCredentialPrompt(con.WaitToken))
	}

	h := host.New(cfg, newBuilder(cfg, logger), hostOpts...)

	if con != nil {
		con.AttachHost(h)
		go func() {
			if err := con.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("console stopped", "err", err)
			}
		}()
	}

	logger.Info("modbot starting", "version", version, "mode", cfg.Mode, "gateway", cfg.Gateway)
	if err := h.Run(ctx); err != nil {
		logger.Error("host stopped with errors", "err", err)
		return err
	}
	logger.Info("modbot stopped")
	return nil
}

func newBuilder(cfg *config.Config, logger *slog.Logger) gateway.Builder {
	switch cfg.Gateway {
	case config.GatewayWebSocket:
		return websocket.NewBuilder(cfg.Token,
			websocket.WithLogger(logger),
			websocket.WithAddr(cfg.WebSocket.Addr),
			websocket.WithAllowedOrigins(cfg.WebSocket.AllowedOrigins...))
	default:
		return telegram.NewBuilder(cfg.Token,
			telegram.WithLogger(logger),
			telegram.WithEndpoint(cfg.Telegram.APIEndpoint),
			telegram.WithWorkers(cfg.Telegram.Workers),
			telegram.WithPollTimeout(cfg.Telegram.PollTimeout),
			telegram.WithDebug(cfg.Telegram.Debug),
			telegram.WithChatFile(cfg.TelegramChatsFile()))
	}
}
