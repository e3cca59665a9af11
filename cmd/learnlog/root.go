package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/learnlog/internal/app"
	"github.com/and161185/learnlog/internal/config"
	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/telemetry"
)

type cli struct {
	cfgPath string
	verbose bool
	metrics bool

	out    io.Writer
	errOut io.Writer
	getenv func(string) string

	// log replaces the logger built from the config.
	log *zap.Logger

	expiredOnce sync.Once
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "learnlog",
		Short:         "Log what you learn, online or not",
		Version:       fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.PersistentFlags().StringVar(&c.cfgPath, "config", "", "config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().BoolVar(&c.verbose, "verbose", false, "debug logging")
	root.PersistentFlags().BoolVar(&c.metrics, "metrics", false, "print request, cache and replay counters to stderr on exit")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.syncCmd(),
		c.discardCmd(),
		c.topicsCmd(),
		c.entriesCmd(),
		c.configCmd(),
		c.versionCmd(),
	)
	return root
}

func (c *cli) configPath() string {
	if c.cfgPath != "" {
		return c.cfgPath
	}
	return config.DefaultPath()
}

func (c *cli) loadConfig() (*config.Config, error) {
	return config.Load(c.configPath(), c.getenv)
}

func (c *cli) logger(cfg *config.Config) (*zap.Logger, error) {
	if c.log != nil {
		return c.log, nil
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	if c.verbose {
		level = zapcore.DebugLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.DisableStacktrace = !c.verbose
	return zcfg.Build()
}

type runFunc func(ctx context.Context, a *app.App) error

// withApp starts an App for the duration of fn and closes it afterwards, so the
// cache and the mutation queue are persisted between invocations.
func (c *cli) withApp(cmd *cobra.Command, watch bool, fn runFunc) error {
	ctx := cmd.Context()
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log, err := c.logger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	opts := app.Options{
		Config:           cfg,
		Logger:           log,
		Passphrase:       cfg.Passphrase(c.getenv),
		WatchInterfaces:  watch,
		OnSessionExpired: c.sessionExpired,
	}
	var reader *telemetry.Reader
	if c.metrics {
		reader = telemetry.NewReader()
		opts.Meter = reader.Meter()
	}
	a, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err = errors.Join(runErr, a.Close(closeCtx))
	if reader != nil {
		err = errors.Join(err, c.printMetrics(closeCtx, reader))
	}
	return err
}

// printMetrics writes the counters collected during one invocation, one per line.
func (c *cli) printMetrics(ctx context.Context, r *telemetry.Reader) error {
	defer func() { _ = r.Shutdown(ctx) }()
	totals, err := r.Totals(ctx)
	if err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.errOut, "%s %d\n", name, totals[name])
	}
	return nil
}

func (c *cli) sessionExpired() {
	c.expiredOnce.Do(func() {
		fmt.Fprintln(c.errOut, "session expired: run `learnlog login` to replay queued changes")
	})
}

func (c *cli) fail(err error) {
	fmt.Fprintln(c.errOut, "error:", err)
	fields := errs.ValidationErrors(err)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.errOut, "  %s: %s\n", name, strings.Join(fields[name], "; "))
	}
	if errors.Is(err, errs.ErrOffline) {
		fmt.Fprintln(c.errOut, "the backend is unreachable; changes are queued until it is back")
	}
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult[T any](c *cli, res app.Result[T]) error {
	if res.Queued {
		_, err := fmt.Fprintf(c.out, "queued (offline): %s\n", res.ID)
		return err
	}
	if res.Value == nil {
		_, err := fmt.Fprintln(c.out, "ok")
		return err
	}
	return c.printJSON(res.Value)
}

func printDeleted[T any](c *cli, res app.Result[T]) error {
	if res.Queued {
		return printResult(c, res)
	}
	_, err := fmt.Fprintln(c.out, "ok")
	return err
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(c.out, "learnlog %s (%s)\n", version, buildDate)
			return err
		},
	}
}
