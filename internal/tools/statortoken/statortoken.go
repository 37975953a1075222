// Package statortoken mints signed handshake tokens for sync clients.
package statortoken

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/statorhq/stator/internal/actor"
	entrypoint "github.com/statorhq/stator/internal/platform/cmd"
)

// Config holds configuration for token minting.
type Config struct {
	Secret  string `env:"STATOR_TOKEN_SECRET"`
	Subject string
	TTL     time.Duration
	Attrs   attrsValue
}

// attrsValue collects repeated -attr key=value flags.
type attrsValue map[string]string

func (a attrsValue) String() string {
	pairs := make([]string, 0, len(a))
	for k, v := range a {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (a attrsValue) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("attr must be key=value, got %q", raw)
	}
	a[key] = value
	return nil
}

// ParseConfig parses environment and flags into a Config. Flags are
// registered before the environment is read, so a provided flag wins over
// the env value and flag help never echoes the secret as a default.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Attrs: attrsValue{}}

	fs.StringVar(&cfg.Secret, "secret", "", "signing secret (defaults to STATOR_TOKEN_SECRET)")
	fs.StringVar(&cfg.Subject, "subject", "", "actor id the token names")
	fs.DurationVar(&cfg.TTL, "ttl", 24*time.Hour, "token lifetime")
	fs.Var(cfg.Attrs, "attr", "actor attribute as key=value (repeatable)")

	if err := entrypoint.ParseConfigFromArgs(&cfg, fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run mints the token and writes it to out. A nil now defaults to time.Now.
func Run(cfg Config, out io.Writer, now func() time.Time) error {
	if out == nil {
		return errors.New("output is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return errors.New("signing secret is required")
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		return errors.New("subject is required")
	}
	if now == nil {
		now = time.Now
	}

	var attrs map[string]string
	if len(cfg.Attrs) > 0 {
		attrs = cfg.Attrs
	}
	token, err := actor.Mint([]byte(cfg.Secret), cfg.Subject, attrs, cfg.TTL, now())
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
