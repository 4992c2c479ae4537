/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind             string
	currencyPerPoint string
	database         string
	playerTimeout    time.Duration
	port             int
	practice         bool
	prefix           string
	profile          bool
	sessionTimeout   time.Duration
	tlsCert          string
	tlsKey           string
	verbose          bool
	version          bool

	clock  quartz.Clock
	logger *log.Logger
	rate   decimal.Decimal
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}

	rate, err := decimal.NewFromString(c.currencyPerPoint)
	if err != nil {
		return fmt.Errorf("invalid --currency-per-point %q: %w", c.currencyPerPoint, err)
	}
	if rate.IsNegative() {
		return fmt.Errorf("invalid --currency-per-point (must not be negative): %s", c.currencyPerPoint)
	}
	c.rate = rate

	if c.playerTimeout < 0 || c.sessionTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}

	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CENTIPEDE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "centipede",
		Short:         "Serves a two-player, ten-round centipede game experiment.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			if cfg.clock == nil {
				cfg.clock = quartz.NewReal()
			}
			cfg.logger = newLogger(cfg.verbose)

			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: CENTIPEDE_BIND)")
	fs.StringVar(&cfg.currencyPerPoint, "currency-per-point", "0", "real-world currency paid per payoff point in exports (env: CENTIPEDE_CURRENCY_PER_POINT)")
	fs.StringVar(&cfg.database, "database", "", "path to sqlite database for results; in-memory if empty (env: CENTIPEDE_DATABASE)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 10*time.Minute, "time before idle players are removed from the lobby (env: CENTIPEDE_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: CENTIPEDE_PORT)")
	fs.BoolVar(&cfg.practice, "practice", true, "require the practice questions before round 1 (env: CENTIPEDE_PRACTICE)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: CENTIPEDE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: CENTIPEDE_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 120*time.Minute, "time before idle sessions are ended (env: CENTIPEDE_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: CENTIPEDE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: CENTIPEDE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: CENTIPEDE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: CENTIPEDE_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("centipede v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
