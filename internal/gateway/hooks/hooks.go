// Package hooks implements the client-connect and client-disconnect
// scripts OpenVPN runs around each tunnel. OpenVPN passes the session
// details through the environment; the exit code of client-connect is
// the admission verdict.
package hooks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/psiphi75/SwirlVPN/internal/gateway/authority"
	"github.com/psiphi75/SwirlVPN/internal/gateway/conf"
)

// Env looks up one environment variable. Injectable so tests do not
// mutate the process environment.
type Env func(key string) string

func OSEnv(key string) string { return os.Getenv(key) }

type authorityClient interface {
	Connect(ctx context.Context, req authority.ConnectRequest) error
	Disconnect(ctx context.Context, req authority.DisconnectRequest) error
}

// Connect decides whether the connecting client may come online. A nil
// return admits the tunnel. The authority being unreachable admits:
// users with a paid balance must not be locked out by an accounting
// outage, and the stats cycle evicts anyone who slips through broke.
func Connect(ctx context.Context, client authorityClient, cfg *conf.Conf, env Env, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	commonName := env("common_name")
	if commonName == "" {
		return errors.New("client-connect: no common_name in environment")
	}

	req := authority.ConnectRequest{
		UserID:            commonName,
		ConnectionKey:     env("password"),
		DateConnectedUnix: timeUnix(env),
		AssignedIP:        env("ifconfig_pool_remote_ip"),
		ClientIP:          env("trusted_ip"),
		ClientIPv6:        env("trusted_ip6"),
		ServerHostname:    cfg.Hostname,
		ServerNetDev:      env("dev"),
	}

	err := client.Connect(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authority.ErrDenied):
		logger.Info("connect denied", slog.String("common_name", commonName))
		return err
	default:
		logger.Warn("authority unreachable, admitting",
			slog.String("common_name", commonName),
			slog.Any("err", err))
		return nil
	}
}

// Disconnect reports the closed tunnel. Always best effort: OpenVPN
// ignores the exit code of client-disconnect, and the reaper on the
// authority cleans up anything this misses.
func Disconnect(ctx context.Context, client authorityClient, env Env, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	commonName := env("common_name")
	if commonName == "" {
		return
	}

	// bytes_sent is server-to-client, bytes_received client-to-server;
	// OpenVPN exports both to the disconnect script only.
	req := authority.DisconnectRequest{
		UserID:            commonName,
		DateConnectedUnix: timeUnix(env),
		Reason:            "client-disconnect",
		BytesToClient:     envInt64(env, "bytes_sent"),
		BytesFromClient:   envInt64(env, "bytes_received"),
	}
	if err := client.Disconnect(ctx, req); err != nil {
		logger.Warn("report disconnect",
			slog.String("common_name", commonName),
			slog.Any("err", err))
	}
}

func envInt64(env Env, key string) int64 {
	n, err := strconv.ParseInt(env(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func timeUnix(env Env) int64 {
	if raw := env("time_unix"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return parsed
		}
	}
	return time.Now().Unix()
}
