package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"medscript.dev/mpaz/config"
	"medscript.dev/mpaz/events"
	"medscript.dev/mpaz/internal/logging"
	"medscript.dev/mpaz/mpaz"
	"medscript.dev/mpaz/plugin"
	"medscript.dev/mpaz/session"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks a command line the user has to fix. It exits with 2.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// exitError carries an exit status for a result that is not an error, such
// as a failed verification.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func run(args []string, out io.Writer, errOut io.Writer) int {
	a := &app{out: out, errOut: errOut, log: zerolog.Nop()}
	root := a.command()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(errOut, "error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

// app is the state shared by every subcommand of one invocation.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string

	cfg config.Config
	log zerolog.Logger
	bus *events.Bus
}

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:           "mpaz",
		Short:         "Create, sign, verify and archive MedScript .mpaz documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetOut(a.errOut)
			_ = cmd.Usage()
			return &exitError{code: 2}
		},
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides log_level)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		a.configCmd(),
		a.newCmd(),
		a.showCmd(),
		a.attachCmd(),
		a.detachCmd(),
		a.attachmentsCmd(),
		a.signCmd(),
		a.unsignCmd(),
		a.verifyCmd(),
		a.validateChainCmd(),
		a.renderCmd(),
		a.indexCmd(),
		a.vaultCmd(),
		a.pluginsCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	cfg, err = cfg.Resolve()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return &usageError{err: err}
	}
	a.cfg = cfg
	a.log = logging.New(a.errOut, cfg.LogLevel)
	a.bus = events.NewBus()
	a.subscribe()
	return nil
}

func (a *app) subscribe() {
	events.Subscribe(a.bus, func(e events.DocumentSaved) {
		a.log.Info().Str("path", e.Path).Msg("document saved")
	})
	events.Subscribe(a.bus, func(e events.DocumentSigned) {
		a.log.Info().Str("path", e.Path).Str("subject", e.Subject).Msg("document signed")
	})
	events.Subscribe(a.bus, func(e events.SignatureRemoved) {
		a.log.Info().Str("path", e.Path).Msg("signature removed")
	})
	events.Subscribe(a.bus, func(e events.DocumentVerified) {
		ev := a.log.Debug().Str("path", e.Path).Str("status", e.Status)
		if e.Reason != nil {
			ev = ev.AnErr("reason", e.Reason)
		}
		ev.Msg("document verified")
	})
	events.Subscribe(a.bus, func(e events.ConfigSaved) {
		a.log.Info().Str("path", e.Path).Msg("configuration saved")
	})
	events.Subscribe(a.bus, func(e events.PluginCompleted) {
		a.log.Debug().Str("plugin", e.Plugin).AnErr("error", e.Err).Msg("plugin completed")
	})
}

// plugins returns the registry, loaded from the plugin directory when
// plugins are enabled.
func (a *app) plugins() (*plugin.Registry, error) {
	reg := plugin.NewRegistry(a.log, a.bus)
	if !a.cfg.EnablePlugin {
		return reg, nil
	}
	if err := reg.RegisterDir(a.cfg.PluginDirectory); err != nil {
		return nil, err
	}
	return reg, nil
}

// session opens a Session built from the configuration. edit may adjust
// the options first.
func (a *app) session(ctx context.Context, edit func(*session.Options)) (*session.Session, error) {
	reg, err := a.plugins()
	if err != nil {
		return nil, err
	}
	opts := session.FromConfig(a.cfg, a.bus, reg, a.log)
	if edit != nil {
		edit(&opts)
	}
	s, msgs, err := session.NewSession(ctx, opts)
	a.report(msgs)
	if err != nil {
		if s == nil {
			return nil, err
		}
		a.log.Warn().Err(err).Msg("plugin hooks failed")
	}
	return s, nil
}

func (a *app) closeSession(s *session.Session) {
	if err := s.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close workspace")
	}
}

func (a *app) manager() (*mpaz.Manager, error) {
	return mpaz.NewManager(mpaz.Options{TemplateDir: a.cfg.Template, Logger: a.log})
}

func (a *app) closeManager(m *mpaz.Manager) {
	if err := m.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close workspace")
	}
}

func (a *app) report(msgs []plugin.Message) {
	for _, m := range msgs {
		fmt.Fprintf(a.errOut, "%s: %s\n", m.Plugin, m.Text)
	}
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s: expected %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usagef("%s: expected at least %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or write the configuration",
		Args:  exactArgs(0),
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to --config",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil && !force {
				return usagef("%s already exists (use --force)", a.configPath)
			}
			if err := os.MkdirAll(filepath.Dir(a.configPath), 0o755); err != nil {
				return err
			}
			if err := config.Default().Save(a.configPath, a.bus); err != nil {
				return err
			}
			fmt.Fprintln(a.out, a.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(a.out, a.cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
