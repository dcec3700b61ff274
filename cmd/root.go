// Package cmd implements the k6web command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/k6web/errext"
	"github.com/liuxd6825/k6web/errext/exitcodes"
	"github.com/liuxd6825/k6web/lib/consts"
	"github.com/liuxd6825/k6web/log"
)

// errAlreadyReported marks errors a command already logged.
var errAlreadyReported = errors.New("already reported error")

type rootCommand struct {
	globalState *globalState

	cmd         *cobra.Command
	stopLoggers chan struct{}
	loggersWg   sync.WaitGroup
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{globalState: gs, stopLoggers: make(chan struct{})}

	rootCmd := &cobra.Command{
		Use:               "k6web",
		Short:             "run scripts against the Web Streams and Fetch APIs",
		Long:              "\n" + getBanner(gs.flags.noColor || !gs.stdOut.isTTY),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
		Version:           consts.FullVersion(),
	}
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "v%s\n" .Version}}`)

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.SetArgs(gs.args[1:])
	rootCmd.SetOut(gs.stdOut)
	rootCmd.SetErr(gs.stdErr)
	rootCmd.SetIn(gs.stdIn)

	rootCmd.AddCommand(getCmdRun(gs), getCmdVersion(gs))

	c.cmd = rootCmd
	return c
}

// Execute runs the command given on the command line. It is called by
// main.main() and exits the process.
func Execute() {
	newRootCommand(newGlobalState(context.Background())).execute()
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	if err := c.setupLoggers(c.stopLoggers); err != nil {
		return err
	}
	if c.globalState.flags.noColor {
		c.globalState.stdOut.Writer = colorable.NewNonColorable(c.globalState.stdOut.Writer)
		c.globalState.stdErr.Writer = colorable.NewNonColorable(c.globalState.stdErr.Writer)
	}
	c.globalState.logger.Debugf("k6web version: v%s", consts.FullVersion())
	return nil
}

func (c *rootCommand) execute() {
	ctx, cancel := context.WithCancel(c.globalState.ctx)
	c.globalState.ctx = ctx

	exitCode := -1
	defer func() {
		cancel()
		close(c.stopLoggers)
		c.loggersWg.Wait()
		c.globalState.osExit(exitCode)
	}()

	defer func() {
		if r := recover(); r != nil {
			exitCode = int(exitcodes.GoPanic)
			c.globalState.logger.Errorf("unexpected k6web panic: %s\n%s", r, debug.Stack())
		}
	}()

	err := c.cmd.Execute()
	if err == nil {
		exitCode = 0
		return
	}

	var ecerr errext.HasExitCode
	if errors.As(err, &ecerr) {
		exitCode = int(ecerr.ExitCode())
	}
	if errors.Is(err, errAlreadyReported) {
		return
	}

	errText, fields := errext.Format(err)
	c.globalState.logger.WithFields(fields).Error(errText)
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)

	// The destinations already hold the values from the environment, the
	// DefValue overrides keep the help output showing the real defaults.
	flags.StringVar(&gs.flags.logOutput, "log-output", gs.flags.logOutput,
		"change the output for k6web logs, possible values are 'stderr', 'stdout', 'none', 'file[=./path.log]'")
	flags.Lookup("log-output").DefValue = gs.defaultFlags.logOutput

	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format, 'text', 'json' or 'raw'")
	flags.Lookup("log-format").DefValue = gs.defaultFlags.logFormat

	flags.StringVarP(&gs.flags.configFilePath, "config", "c", gs.flags.configFilePath,
		"config file, YAML or TOML by extension, JSON otherwise")
	flags.Lookup("config").DefValue = gs.defaultFlags.configFilePath
	must(cobra.MarkFlagFilename(flags, "config"))

	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.Lookup("no-color").DefValue = strconv.FormatBool(gs.defaultFlags.noColor)

	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable verbose logging")
	flags.BoolVarP(&gs.flags.quiet, "quiet", "q", gs.defaultFlags.quiet, "disable the banner")

	return flags
}

// RawFormatter prints only the message of an entry.
type RawFormatter struct{}

// Format renders a single log entry.
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

// setupLoggers configures the logger from the global flags. Asynchronous
// hooks and the standard logger redirection are released once stop is
// closed, loggersWg tracks them.
func (c *rootCommand) setupLoggers(stop <-chan struct{}) error {
	gs := c.globalState
	if gs.flags.verbose {
		gs.logger.SetLevel(logrus.DebugLevel)
	}

	var (
		hook log.AsyncHook
		err  error
	)

	forceColors := false
	switch line := gs.flags.logOutput; {
	case line == "stderr":
		forceColors = !gs.flags.noColor && gs.stdErr.isTTY
		gs.logger.SetOutput(gs.stdErr)
	case line == "stdout":
		forceColors = !gs.flags.noColor && gs.stdOut.isTTY
		gs.logger.SetOutput(gs.stdOut)
	case line == "none":
		gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		hook, err = log.FileHookFromConfigLine(gs.fs, gs.getwd, gs.fallbackLogger, line)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported log output '%s'", line)
	}

	switch gs.flags.logFormat {
	case "raw":
		gs.logger.SetFormatter(&RawFormatter{})
		gs.logger.Debug("Logger format: RAW")
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
		gs.logger.Debug("Logger format: JSON")
	default:
		gs.logger.SetFormatter(&logrus.TextFormatter{
			ForceColors: forceColors, DisableColors: gs.flags.noColor,
		})
		gs.logger.Debug("Logger format: TEXT")
	}

	cancel := func() {}
	if hook != nil {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		c.loggersWg.Add(1)
		go func() {
			defer c.loggersWg.Done()
			hook.Listen(ctx)
		}()
		gs.logger.AddHook(hook)
		gs.logger.SetOutput(io.Discard)
	}

	// The Go runtime sometimes logs through the standard logger directly.
	w := gs.logger.Writer()
	stdlog.SetOutput(w)
	c.loggersWg.Add(1)
	go func() {
		defer c.loggersWg.Done()
		<-stop
		cancel()
		_ = w.Close()
	}()
	return nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
