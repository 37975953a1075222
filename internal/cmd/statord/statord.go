// Package statord parses statord flags and composes the sync server
// entrypoint.
package statord

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/statorhq/stator/internal/action"
	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/app"
	"github.com/statorhq/stator/internal/observability/audit"
	entrypoint "github.com/statorhq/stator/internal/platform/cmd"
	"github.com/statorhq/stator/internal/policy"
	"github.com/statorhq/stator/internal/storage"
	"github.com/statorhq/stator/internal/storage/postgres"
	"github.com/statorhq/stator/internal/storage/sqlite"
	"github.com/statorhq/stator/internal/todo"
)

// Config holds statord command configuration.
type Config struct {
	HTTPAddr      string `env:"STATOR_HTTP_ADDR"      envDefault:":8080"`
	StoreDriver   string `env:"STATOR_STORE_DRIVER"   envDefault:"sqlite"`
	SQLitePath    string `env:"STATOR_SQLITE_PATH"    envDefault:"stator.sqlite"`
	PostgresDSN   string `env:"STATOR_POSTGRES_DSN"`
	RedisAddr     string `env:"STATOR_REDIS_ADDR"`
	UpdateChannel string `env:"STATOR_UPDATE_CHANNEL" envDefault:"stator:updates"`
	TokenSecret   string `env:"STATOR_TOKEN_SECRET"`
	AdminToken    string `env:"STATOR_ADMIN_TOKEN"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.StoreDriver, "store-driver", cfg.StoreDriver, "state store driver (sqlite or postgres)")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite database path")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "postgres connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for cross-instance updates")
	fs.StringVar(&cfg.UpdateChannel, "update-channel", cfg.UpdateChannel, "redis channel carrying update notices")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "token guarding the admin routes")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync server and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceStatord, func(ctx context.Context) error {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		registry := action.NewRegistry()
		policies := policy.NewEvaluator()
		if err := todo.Register(registry, policies); err != nil {
			return fmt.Errorf("register todo actions: %w", err)
		}

		var verifier *actor.Verifier
		if secret := strings.TrimSpace(cfg.TokenSecret); secret != "" {
			verifier, err = actor.NewVerifier([]byte(secret), nil)
			if err != nil {
				return fmt.Errorf("configure token verifier: %w", err)
			}
		} else {
			log.Printf("token secret unset, serving anonymous sessions only")
		}

		var rdb *redis.Client
		if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
			rdb = redis.NewClient(&redis.Options{Addr: addr})
			defer rdb.Close()
		}

		sink, _ := store.(audit.Sink)
		if err := app.Run(ctx, app.Config{
			HTTPAddr:      cfg.HTTPAddr,
			Store:         store,
			Registry:      registry,
			Policies:      policies,
			Verifier:      verifier,
			Audit:         sink,
			AdminToken:    cfg.AdminToken,
			Redis:         rdb,
			UpdateChannel: cfg.UpdateChannel,
		}); err != nil {
			return fmt.Errorf("serve sync: %w", err)
		}
		return nil
	})
}

func openStore(ctx context.Context, cfg Config) (storage.Port, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "", "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
