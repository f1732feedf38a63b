/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	adminKey      string
	autoEndRounds bool
	bind          string
	natsSubject   string
	natsURL       string
	port          int
	prefix        string
	profile       bool
	sendBuffer    int
	tlsCert       string
	tlsKey        string
	verbose       bool
	version       bool

	// terminal clients
	name   string
	role   string
	server string
	team   string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.sendBuffer < 1 {
		return fmt.Errorf("invalid send buffer (must be at least 1): %d", c.sendBuffer)
	}
	if c.natsURL != "" && strings.Trim(c.natsSubject, ".") == "" {
		return errors.New("--nats-subject must not be empty when --nats-url is set")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// bindFlags lets every flag in fs be set from QUIZBOX_<FLAG>. Flags given
// on the command line still win.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("QUIZBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

func newCmd(cfg *Config) *cobra.Command {
	v := newViper()

	cmd := &cobra.Command{
		Use:           "quizbox",
		Short:         "A live team trivia server with player, admin and scoreboard views.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	pfs := cmd.PersistentFlags()
	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: QUIZBOX_VERBOSE)")
	bindFlags(v, pfs)

	fs := cmd.Flags()
	fs.StringVar(&cfg.adminKey, "admin-key", "", "passphrase required to connect as admin, open if empty (env: QUIZBOX_ADMIN_KEY)")
	fs.BoolVar(&cfg.autoEndRounds, "auto-end-rounds", false, "close timed rounds on the server when their duration runs out (env: QUIZBOX_AUTO_END_ROUNDS)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: QUIZBOX_BIND)")
	fs.StringVar(&cfg.natsSubject, "nats-subject", "quizbox.events", "subject prefix for mirrored events (env: QUIZBOX_NATS_SUBJECT)")
	fs.StringVar(&cfg.natsURL, "nats-url", "", "mirror broadcasts to this NATS server, disabled if empty (env: QUIZBOX_NATS_URL)")
	fs.IntVarP(&cfg.port, "port", "p", 3001, "port to listen on (env: QUIZBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: QUIZBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: QUIZBOX_PROFILE)")
	fs.IntVar(&cfg.sendBuffer, "send-buffer", 64, "messages queued per client before it is dropped (env: QUIZBOX_SEND_BUFFER)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: QUIZBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: QUIZBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: QUIZBOX_VERSION)")
	bindFlags(v, fs)

	cmd.AddCommand(newWatchCmd(cfg, v), newPlayCmd(cfg, v))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("quizbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newWatchCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running game from the terminal as a scoreboard or admin.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.adminKey, "admin-key", "", "admin passphrase, needed with --role admin if the server sets one (env: QUIZBOX_ADMIN_KEY)")
	fs.StringVarP(&cfg.role, "role", "r", string(RoleScoreboard), "view to follow, scoreboard or admin (env: QUIZBOX_ROLE)")
	fs.StringVarP(&cfg.server, "server", "s", "ws://localhost:3001/ws", "websocket address of the server (env: QUIZBOX_SERVER)")
	bindFlags(v, fs)

	return cmd
}

func newPlayCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Join a team from the terminal and answer rounds from stdin.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd.Context(), cfg, clockwork.NewRealClock(), os.Stdin, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.name, "name", "n", "", "player name shown to the admin (env: QUIZBOX_NAME)")
	fs.StringVarP(&cfg.server, "server", "s", "ws://localhost:3001/ws", "websocket address of the server (env: QUIZBOX_SERVER)")
	fs.StringVarP(&cfg.team, "team", "t", "", "team to join (env: QUIZBOX_TEAM)")
	bindFlags(v, fs)

	return cmd
}
