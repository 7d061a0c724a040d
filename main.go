package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/saworbit/perfrecord/internal/metrics"
	"github.com/saworbit/perfrecord/internal/procs"
	"github.com/saworbit/perfrecord/internal/version"
	"github.com/saworbit/perfrecord/pkg/config"
	"github.com/saworbit/perfrecord/pkg/perfcmd"
	"github.com/saworbit/perfrecord/pkg/probe"
	"github.com/saworbit/perfrecord/pkg/recorder"
	"github.com/saworbit/perfrecord/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by all subcommands once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.LoadFromEnv()}

	root := &cobra.Command{
		Use:          "perfrecord",
		Short:        "perfrecord - drive perf record locally or over ssh",
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := newLogger(a.cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			a.logger = logger
			metrics.SetAgentInfo(version.Version)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&a.cfg.PerfPath, "perf", a.cfg.PerfPath, "perf binary on the target")
	flags.StringVar(&a.cfg.SSHPath, "ssh", a.cfg.SSHPath, "ssh client used for remote targets")
	flags.StringVar(&a.cfg.ProfilesPath, "profiles", a.cfg.ProfilesPath, "YAML file with device and path profiles")
	flags.StringVar(&a.cfg.StateDir, "state-dir", a.cfg.StateDir, "Directory where the session journal is stored")

	root.AddCommand(
		newRecordCmd(a),
		newProbeCmd(a),
		newHistoryCmd(a),
		newProcessesCmd(),
		newDevicesCmd(a),
	)
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}

// targetFlags select the machine perf runs on.
type targetFlags struct {
	device     string
	host       string
	user       string
	sshOptions string
	askpass    string
}

func (f *targetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.device, "device", "", "Named device profile to record on")
	cmd.Flags().StringVar(&f.host, "host", "", "Remote host to record on")
	cmd.Flags().StringVar(&f.user, "user", "", "Remote user name")
	cmd.Flags().StringVar(&f.sshOptions, "ssh-options", "", "Extra ssh arguments")
	cmd.Flags().StringVar(&f.askpass, "askpass", "", "SSH_ASKPASS program for remote targets")
}

// resolve returns the target and the askpass program to use with it.
func (f *targetFlags) resolve(cfg *config.Config) (transport.Target, string, error) {
	askpass := cfg.Askpass
	if f.askpass != "" {
		askpass = f.askpass
	}

	if f.device != "" {
		if f.host != "" {
			return transport.Target{}, "", fmt.Errorf("--device and --host are mutually exclusive")
		}
		profiles, err := config.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			return transport.Target{}, "", err
		}
		target, profileAskpass, err := profiles.Device(f.device)
		if err != nil {
			return transport.Target{}, "", err
		}
		if f.askpass == "" && profileAskpass != "" {
			askpass = profileAskpass
		}
		return target, askpass, nil
	}

	if f.host != "" {
		return transport.Remote(f.host, f.user, f.sshOptions), askpass, nil
	}
	return transport.Local(), askpass, nil
}

func (a *app) transport(f *targetFlags) (transport.Transport, error) {
	target, askpass, err := f.resolve(a.cfg)
	if err != nil {
		return nil, err
	}
	return transport.New(target, transport.Options{
		SSHPath: a.cfg.SSHPath,
		Askpass: askpass,
		Logger:  a.logger,
	}), nil
}

type recordFlags struct {
	target      targetFlags
	output      string
	pids        string
	system      bool
	cwd         string
	elevate     bool
	perfOptions []string
	offCPU      bool
	compress    bool
	aio         bool
	noJournal   bool
	metricsAddr string
	stopTimeout time.Duration
}

func newRecordCmd(a *app) *cobra.Command {
	f := &recordFlags{}

	cmd := &cobra.Command{
		Use:   "record [flags] [-- <executable> [args...]]",
		Short: "Record a perf profile of a new program, running processes or the whole system",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := selectMode(f.pids, f.system, f.cwd, args)
			if err != nil {
				return err
			}
			if f.metricsAddr != "" {
				a.cfg.MetricsAddr = f.metricsAddr
			}
			if f.stopTimeout > 0 {
				a.cfg.StopTimeout = f.stopTimeout
			}
			return a.runRecord(cmd.Context(), f, mode)
		},
	}

	f.target.bind(cmd)
	cmd.Flags().StringVarP(&f.output, "output", "o", "perf.data", "File the recording is written to")
	cmd.Flags().StringVar(&f.pids, "pid", "", "Comma separated pids to attach to")
	cmd.Flags().BoolVar(&f.system, "system", false, "Record all CPUs")
	cmd.Flags().StringVar(&f.cwd, "cwd", "", "Working directory for a launched program")
	cmd.Flags().BoolVar(&f.elevate, "elevate", false, "Run perf through a privilege elevation helper (local only)")
	cmd.Flags().StringArrayVar(&f.perfOptions, "perf-option", nil, "Extra option passed to perf record (repeatable)")
	cmd.Flags().BoolVar(&f.offCPU, "off-cpu", false, "Also record off-CPU time via sched_switch if supported")
	cmd.Flags().BoolVar(&f.compress, "compress", false, "Compress the recording with zstd if supported")
	cmd.Flags().BoolVar(&f.aio, "aio", false, "Let perf write with asynchronous I/O if supported")
	cmd.Flags().BoolVar(&f.noJournal, "no-journal", false, "Do not add the session to the history")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", a.cfg.MetricsAddr, "Serve Prometheus metrics on this address while recording")
	cmd.Flags().DurationVar(&f.stopTimeout, "stop-timeout", 0, "Time perf gets to exit after Ctrl-C before it is killed")
	return cmd
}

// selectMode turns the mutually exclusive target flags into a recording mode.
func selectMode(pids string, system bool, cwd string, args []string) (perfcmd.Mode, error) {
	chosen := 0
	if pids != "" {
		chosen++
	}
	if system {
		chosen++
	}
	if len(args) > 0 {
		chosen++
	}
	if chosen != 1 {
		return nil, fmt.Errorf("choose exactly one of --pid, --system or -- <executable>")
	}

	switch {
	case pids != "":
		parsed, err := perfcmd.ParsePIDs(pids)
		if err != nil {
			return nil, err
		}
		return perfcmd.Attach{PIDs: parsed}, nil
	case system:
		return perfcmd.SystemWide{}, nil
	default:
		return perfcmd.Launch{Executable: args[0], Args: args[1:], WorkingDirectory: cwd}, nil
	}
}

// extraPerfOptions appends options for optional features the target supports.
// Requested but unsupported features are logged and skipped.
func extraPerfOptions(ctx context.Context, p *probe.Prober, tr transport.Transport, f *recordFlags, logger *zap.Logger) []string {
	opts := append([]string(nil), f.perfOptions...)

	if p.CanSampleCPU(ctx, tr) {
		opts = append(opts, "--sample-cpu")
	}
	if f.offCPU {
		if p.CanProfileOffCPU(ctx, tr) && p.CanSwitchEvents(ctx, tr) {
			opts = append(opts, probe.OffCPUOptions()...)
		} else {
			logger.Warn("off-CPU profiling is not available on target", zap.String("target", tr.Target().String()))
		}
	}
	if f.compress {
		if p.CanCompress(ctx, tr) {
			opts = append(opts, "-z")
		} else {
			logger.Warn("zstd compression is not available on target", zap.String("target", tr.Target().String()))
		}
	}
	if f.aio {
		if p.CanUseAIO(ctx, tr) {
			opts = append(opts, "--aio")
		} else {
			logger.Warn("asynchronous I/O is not available on target", zap.String("target", tr.Target().String()))
		}
	}
	return opts
}

func (a *app) runRecord(ctx context.Context, f *recordFlags, mode perfcmd.Mode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tr, err := a.transport(&f.target)
	if err != nil {
		return err
	}

	prober := probe.New(a.cfg.PerfPath, a.logger)
	if !prober.IsInstalled(ctx, tr) {
		return fmt.Errorf("perf is not installed on %s", tr.Target())
	}

	if attach, ok := mode.(perfcmd.Attach); ok && !tr.Target().IsRemote() {
		if missing := procs.Missing(ctx, attach.PIDs); len(missing) > 0 {
			a.logger.Warn("some processes do not exist", zap.Ints("pids", missing))
		}
	}

	if a.cfg.MetricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		defer stopMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, a.cfg.MetricsAddr, a.logger); err != nil {
				a.logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	var journal *recorder.Journal
	if !f.noJournal {
		journal, err = recorder.OpenJournal(a.cfg.StateDir)
		if err != nil {
			a.logger.Warn("session history disabled", zap.Error(err))
			journal = nil
		} else {
			defer journal.Close()
		}
	}

	var failure error
	handler := func(e recorder.Event) {
		switch e.Kind {
		case recorder.EventStarted:
			a.logger.Info("perf started", zap.String("command", e.Command), zap.Strings("args", e.Args))
		case recorder.EventOutput:
			_, _ = io.WriteString(os.Stderr, e.Text)
		case recorder.EventCrashed:
			a.logger.Warn("perf exited unexpectedly, keeping the data recorded so far", zap.Int("exit_code", e.ExitCode))
		case recorder.EventFinished:
			a.logger.Info("recording written", zap.String("path", e.Path))
		case recorder.EventFailed:
			if len(e.Details) > 1 {
				for _, detail := range e.Details[1:] {
					a.logger.Error(detail)
				}
			}
			failure = errors.New(e.Message)
		}
	}

	ctrl := recorder.NewController(tr, recorder.Options{
		PerfPath:    a.cfg.PerfPath,
		StopTimeout: a.cfg.StopTimeout,
		Handler:     handler,
		Journal:     journal,
		Logger:      a.logger,
	})

	session, err := ctrl.Record(ctx, recorder.Request{
		PerfOptions:       extraPerfOptions(ctx, prober, tr, f, a.logger),
		OutputPath:        f.output,
		ElevatePrivileges: f.elevate,
		Mode:              mode,
	})
	if err != nil {
		<-session.Done()
		if failure != nil {
			return failure
		}
		return err
	}

	if f.elevate {
		go forwardInput(os.Stdin, ctrl)
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
		a.logger.Info("stopping recording")
		ctrl.Stop()
	}
	<-session.Done()
	return failure
}

// forwardInput passes terminal input, such as a sudo password, to perf.
func forwardInput(r io.Reader, ctrl *recorder.Controller) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ctrl.SendInput(append(scanner.Bytes(), '\n'))
	}
}

func newProbeCmd(a *app) *cobra.Command {
	var f targetFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Show which perf features the target supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := a.transport(&f)
			if err != nil {
				return err
			}
			report := probe.New(a.cfg.PerfPath, a.logger).Report(cmd.Context(), tr)
			return writeReport(cmd.OutOrStdout(), report, asJSON)
		},
	}

	f.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func writeReport(w io.Writer, r probe.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		name  string
		value any
	}{
		{"target", r.Target},
		{"perf installed", r.Installed},
		{"user", r.Username},
		{"off-cpu", r.OffCPU},
		{"sample cpu", r.SampleCPU},
		{"switch events", r.SwitchEvents},
		{"aio", r.AIO},
		{"zstd", r.Compress},
		{"elevation helper", r.ElevationHelper},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%v\n", row.name, row.value)
	}
	return tw.Flush()
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit, prune int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := recorder.OpenJournal(a.cfg.StateDir)
			if err != nil {
				return err
			}
			defer journal.Close()

			if cmd.Flags().Changed("prune") {
				removed, err := journal.Prune(prune)
				if err != nil {
					return err
				}
				a.logger.Info("pruned session history", zap.Int("removed", removed))
			}

			entries, err := journal.List(limit)
			if err != nil {
				return err
			}
			return writeHistory(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of most recent sessions to show (0 for all)")
	cmd.Flags().IntVar(&prune, "prune", 0, "Delete all but the newest N sessions first")
	return cmd
}

func writeHistory(w io.Writer, entries []recorder.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTARGET\tOUTCOME\tCODE\tSIZE\tDURATION\tOUTPUT\tDETAIL")
	for _, e := range entries {
		detail := e.Message
		if detail == "" {
			detail = e.Digest
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			e.Time().Format(time.RFC3339),
			e.Target,
			e.Outcome,
			e.ExitCode,
			e.Size,
			time.Duration(e.DurationMS)*time.Millisecond,
			e.Output,
			detail,
		)
	}
	return tw.Flush()
}

func newProcessesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processes [filter]",
		Short: "List local processes that can be attached to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) == 1 {
				filter = args[0]
			}
			infos, err := procs.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tUSER\tNAME\tCOMMAND")
			for _, p := range infos {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.PID, p.User, p.Name, p.Cmdline)
			}
			return tw.Flush()
		},
	}
}

func newDevicesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage remote device profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List device profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := config.LoadProfiles(a.cfg.ProfilesPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESTINATION\tOPTIONS")
			for _, name := range profiles.DeviceNames() {
				target, _, _ := profiles.Device(name)
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, target.Destination(), target.Options)
			}
			return tw.Flush()
		},
	}

	var d config.DeviceProfile
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Add or replace a device profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := config.LoadProfiles(a.cfg.ProfilesPath)
			if err != nil {
				return err
			}
			d.Options = strings.TrimSpace(d.Options)
			profiles.SetDevice(args[0], d)
			return profiles.Save(a.cfg.ProfilesPath)
		},
	}
	add.Flags().StringVar(&d.Hostname, "host", "", "Host name or address")
	add.Flags().StringVar(&d.Username, "user", "", "Remote user name")
	add.Flags().StringVar(&d.Options, "ssh-options", "", "Extra ssh arguments")
	add.Flags().StringVar(&d.Askpass, "askpass", "", "SSH_ASKPASS program")
	_ = add.MarkFlagRequired("host")

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a device profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := config.LoadProfiles(a.cfg.ProfilesPath)
			if err != nil {
				return err
			}
			if !profiles.RemoveDevice(args[0]) {
				return fmt.Errorf("device %q: %w", args[0], config.ErrUnknownProfile)
			}
			return profiles.Save(a.cfg.ProfilesPath)
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}
