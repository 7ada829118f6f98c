package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/psiphi75/SwirlVPN/internal/gateway/authority"
	"github.com/psiphi75/SwirlVPN/internal/gateway/conf"
	"github.com/psiphi75/SwirlVPN/internal/gateway/hooks"
	"github.com/psiphi75/SwirlVPN/internal/gateway/mgmt"
	"github.com/psiphi75/SwirlVPN/internal/gateway/reporter"
	"github.com/psiphi75/SwirlVPN/internal/gateway/savings"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const defaultConfPath = "/etc/swirlvpn/agent.json"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		logger.Error("agent exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("gateway-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	confPath := fs.String("config", defaultConfPath, "agent config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := conf.Load(*confPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mergeConfFromEnv(cfg) {
		if err := conf.Save(*confPath, cfg); err != nil {
			return fmt.Errorf("persist config from env: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	client := authority.NewClient(cfg.AuthorityURL, cfg.GatewayKey)

	// The hook subcommands run once per tunnel event and exit. They
	// stay quick: OpenVPN blocks the handshake on client-connect.
	if len(fs.Args()) > 0 {
		hookCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		switch fs.Args()[0] {
		case "client-connect":
			return hooks.Connect(hookCtx, client, cfg, hooks.OSEnv, logger)
		case "client-disconnect":
			hooks.Disconnect(hookCtx, client, hooks.OSEnv, logger)
			return nil
		default:
			return fmt.Errorf("unknown command %q", fs.Args()[0])
		}
	}

	logger.Info("gateway agent starting",
		slog.String("version", Version),
		slog.String("commit", Commit),
		slog.String("hostname", cfg.Hostname),
		slog.String("authority", cfg.AuthorityURL))

	tracker := savings.NewTracker()
	if cfg.ZiproxyAccessLog != "" {
		go savings.Follow(ctx, cfg.ZiproxyAccessLog, time.Second, tracker, logger)
	}

	channel := mgmt.NewChannel(cfg.MgmtAddr, logger)
	if cfg.MgmtAddr != "" {
		go channel.Run(ctx)
	}

	usageReporter := reporter.New(
		cfg.ReportInterval(),
		cfg.Hostname,
		cfg.StatusLogPath,
		client,
		channel,
		tracker,
		logger,
	)
	go usageReporter.Start(ctx)

	<-ctx.Done()
	logger.Info("gateway agent stopping")
	return nil
}

func mergeConfFromEnv(cfg *conf.Conf) bool {
	changed := false

	setIfEmpty := func(target *string, envKey string) {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" && strings.TrimSpace(*target) == "" {
			*target = v
			changed = true
		}
	}

	setIfEmpty(&cfg.AuthorityURL, "SWIRL_AUTHORITY_URL")
	setIfEmpty(&cfg.GatewayKey, "SWIRL_GATEWAY_KEY")
	setIfEmpty(&cfg.Hostname, "SWIRL_GATEWAY_HOSTNAME")
	setIfEmpty(&cfg.StatusLogPath, "SWIRL_OVPN_STATUS_LOG")
	setIfEmpty(&cfg.ZiproxyAccessLog, "SWIRL_ZIPROXY_ACCESS_LOG")
	setIfEmpty(&cfg.MgmtAddr, "SWIRL_OVPN_MGMT_ADDR")

	if cfg.Hostname == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Hostname = hostname
			changed = true
		}
	}

	return changed
}
