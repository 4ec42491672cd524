package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/tasksync/internal/api"
	"github.com/stellarlinkco/tasksync/internal/channel"
	"github.com/stellarlinkco/tasksync/internal/config"
	"github.com/stellarlinkco/tasksync/internal/notify"
	"github.com/stellarlinkco/tasksync/internal/session"
	"github.com/stellarlinkco/tasksync/internal/view"
)

// CLIOptions holds the dependencies commands use (replaced in tests)
type CLIOptions struct {
	Stdout     io.Writer
	HTTPClient *http.Client
	Dialer     channel.Dialer
	Notifier   notify.Notifier
	SignalChan chan os.Signal
}

var cliOptions CLIOptions

func (o CLIOptions) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

var rootCmd = &cobra.Command{
	Use:           "tasksync",
	Short:         "tasksync - realtime task board client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verboseFlag {
			log.SetOutput(os.Stderr)
		} else {
			log.SetOutput(io.Discard)
		}
		_, err := view.ParseFormat(outputFlag)
		return err
	},
}

var (
	outputFlag  string
	timeoutFlag time.Duration
	verboseFlag bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json or yaml")
	pf.DurationVar(&timeoutFlag, "timeout", 10*time.Second, "How long to wait for the server")
	pf.BoolVarP(&verboseFlag, "verbose", "v", false, "Log connection activity to stderr")

	initAuthCommands()
	initTaskCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func outputFormat() view.Format {
	f, err := view.ParseFormat(outputFlag)
	if err != nil {
		return view.FormatTable
	}
	return f
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newClient(cfg *config.Config) *api.Client {
	c := api.New(cfg.Server.BaseURL, cliOptions.HTTPClient)
	if cfg.Auth.Token != "" {
		c = c.WithToken(cfg.Auth.Token)
	}
	return c
}

// requireLogin maps a missing or rejected token to a hint.
func requireLogin(err error) error {
	if err == nil {
		return nil
	}
	var se *api.StatusError
	if errors.As(err, &se) && se.Unauthorized() {
		return fmt.Errorf("%w (run 'tasksync login')", err)
	}
	return err
}

// connect opens a session for a one-shot command and waits for the first
// task list. Scheduled jobs are left to watch.
func connect(ctx context.Context) (*session.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("%w (run 'tasksync login')", api.ErrUnauthenticated)
	}
	cfg.Schedule = config.ScheduleConfig{}

	n := cliOptions.Notifier
	if n == nil {
		n = notify.LogNotifier{}
	}
	s, err := session.NewWithOptions(cfg, session.Options{
		HTTPClient: cliOptions.HTTPClient,
		Dialer:     cliOptions.Dialer,
		Notifier:   n,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		s.Stop()
		return nil, requireLogin(err)
	}
	if _, err := s.WaitSynced(ctx); err != nil {
		s.Stop()
		return nil, fmt.Errorf("wait for task list: %w", err)
	}
	return s, nil
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeoutFlag)
}
