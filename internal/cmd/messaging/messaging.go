// Package messaging parses messaging command flags and composes the
// service entrypoint.
package messaging

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/wavelen/talkback/internal/platform/cmd"
	server "github.com/wavelen/talkback/internal/services/messaging/app"
	"github.com/wavelen/talkback/internal/services/messaging/auth"
	"github.com/wavelen/talkback/internal/services/messaging/observability/audit"
	"github.com/wavelen/talkback/internal/services/messaging/storage/sqlite"
)

// Config holds messaging command configuration.
type Config struct {
	HTTPAddr string `env:"TALKBACK_MESSAGING_HTTP_ADDR" envDefault:":8090"`
	DBPath   string `env:"TALKBACK_MESSAGING_DB_PATH"   envDefault:"messaging.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "messaging HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "messaging SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the store, builds the messaging service, and serves the
// gateway until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMessaging, func(context.Context) error {
		authCfg, err := auth.LoadConfigFromEnv(time.Now)
		if err != nil {
			return fmt.Errorf("load auth config: %w", err)
		}

		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open messaging store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		svc, err := server.NewService(store, store, audit.NewEmitter(store))
		if err != nil {
			return fmt.Errorf("init messaging service: %w", err)
		}

		if err := server.Run(ctx, server.Config{
			HTTPAddr: cfg.HTTPAddr,
			Auth:     authCfg,
		}, svc); err != nil {
			return fmt.Errorf("serve messaging: %w", err)
		}
		return nil
	})
}
