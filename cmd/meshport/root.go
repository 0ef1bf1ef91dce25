package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/client"
	"github.com/meshport/meshport/internal/config"
	"github.com/meshport/meshport/internal/logging"
	"github.com/meshport/meshport/internal/session"
	"github.com/meshport/meshport/internal/tracker"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	cfg    *config.ClientConfig
	client *client.Client
	logger *zap.Logger
	out    io.Writer
	errOut io.Writer

	configPath string
	flags      struct {
		apiURL          string
		timeout         time.Duration
		pollInterval    time.Duration
		maxPollFailures int
		logLevel        string
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "meshport",
		Short:         "Upload, convert and generate 3D models",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", config.DefaultProfilePath(), "profile file")
	pf.StringVar(&a.flags.apiURL, "api-url", "", "backend base URL (default from MESHPORT_API_URL or /api)")
	pf.DurationVar(&a.flags.timeout, "timeout", 0, "per-request timeout")
	pf.DurationVar(&a.flags.pollInterval, "poll-interval", 0, "job status polling interval")
	pf.IntVar(&a.flags.maxPollFailures, "max-poll-failures", 0, "consecutive failed polls before giving up (0 polls forever)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newUploadCmd(a),
		newGenerateCmd(a),
		newHomeCmd(a),
		newStatusCmd(a),
		newWatchCmd(a),
		newHealthCmd(a),
	)
	return root
}

// setup loads the profile, applies flags set on the command line and
// builds the client.
func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	required := cmd.Flags().Changed("config")
	cfg, err := config.LoadClient(a.configPath, required)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = a.flags.apiURL
	}
	if flags.Changed("timeout") {
		cfg.Timeout = a.flags.timeout
	}
	if flags.Changed("poll-interval") {
		cfg.PollInterval = a.flags.pollInterval
	}
	if flags.Changed("max-poll-failures") {
		cfg.MaxPollFailures = a.flags.maxPollFailures
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.flags.logLevel
	}
	a.cfg = cfg

	a.logger = logging.New(cfg.LogLevel, logging.FormatConsole)
	a.client, err = client.New(client.Options{
		BaseURL:     cfg.APIURL,
		Timeout:     cfg.Timeout,
		MaxFileSize: cfg.MaxFileSize,
		Logger:      a.logger,
	})
	return err
}

func (a *app) interval(fallback time.Duration) time.Duration {
	if a.cfg.PollInterval > 0 {
		return a.cfg.PollInterval
	}
	return fallback
}

// track runs one submission to its end, printing each state change of the
// session, and returns the finished resource.
func (a *app) track(cmd *cobra.Command, interval time.Duration, observer tracker.Observer, submit tracker.Submitter) (tracker.Resource, error) {
	ctx := cmd.Context()
	sess := session.New(func(s session.State) {
		fmt.Fprintln(a.errOut, s)
	})
	if err := sess.Begin(); err != nil {
		return tracker.Resource{}, err
	}

	tr := tracker.New(observer, tracker.Options{
		Interval:             interval,
		MaxTransportFailures: a.cfg.MaxPollFailures,
		Logger:               a.logger,
	})
	var terminal error
	for ev := range tr.Start(ctx, submit) {
		if e, ok := ev.(tracker.Error); ok {
			terminal = e.Err
		}
		if err := sess.Apply(ev); err != nil {
			a.logger.Debug("event ignored", zap.Error(err))
		}
	}

	st := sess.State()
	switch {
	case st.Mode == session.ModeViewing:
		return st.Resource, nil
	case terminal != nil:
		return tracker.Resource{}, terminal
	case ctx.Err() != nil:
		return tracker.Resource{}, ctx.Err()
	case st.Message != "":
		return tracker.Resource{}, errors.New(st.Message)
	}
	return tracker.Resource{}, apperr.Backend("Generation failed", 0, nil)
}

// progressPrinter reports upload percentages on stderr.
func (a *app) progressPrinter(label string) client.ProgressFunc {
	return func(percent int) {
		fmt.Fprintf(a.errOut, "%s %d%%\n", label, percent)
	}
}
