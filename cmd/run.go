package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/k6web/errext"
	"github.com/liuxd6825/k6web/errext/exitcodes"
	"github.com/liuxd6825/k6web/js"
)

type cmdRun struct {
	gs *globalState
}

func (c *cmdRun) run(cmd *cobra.Command, args []string) error {
	gs := c.gs

	cliConf, err := getConfig(cmd.Flags())
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	conf, err := getConsolidatedConfig(gs, cliConf)
	if err != nil {
		return err
	}

	printBanner(gs)

	ctx, cancel := context.WithCancelCause(gs.ctx)
	defer cancel(nil)
	stopSignalHandling := handleAbortSignals(gs, cancel)
	defer stopSignalHandling()

	rt, err := js.New(ctx, js.Config{
		Logger:        gs.logger,
		Options:       conf.Options,
		FS:            gs.fs,
		ConsoleOutput: conf.ConsoleOutput.String,
	})
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			gs.logger.WithError(cerr).Warn("Closing the console output failed")
		}
	}()

	start := time.Now()
	err = c.runScript(rt, args[0])
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return errext.WithExitCodeIfNone(err, exitcodes.ScriptException)
	}

	gs.logger.WithField("duration", time.Since(start)).Debug("Script finished")
	return nil
}

func (c *cmdRun) runScript(rt *js.Runtime, name string) error {
	if name == "-" {
		src, err := io.ReadAll(c.gs.stdIn)
		if err != nil {
			return fmt.Errorf("reading the script from stdin: %w", err)
		}
		_, err = rt.RunScript("-", string(src))
		return err
	}

	if !filepath.IsAbs(name) {
		cwd, err := c.gs.getwd()
		if err != nil {
			return err
		}
		name = filepath.Join(cwd, name)
	}
	return rt.RunFile(name)
}

// handleAbortSignals cancels the run on the first interrupt and exits on the
// second one.
func handleAbortSignals(gs *globalState, cancel context.CancelCauseFunc) (stop func()) {
	sigC := make(chan os.Signal, 2)
	done := make(chan struct{})
	gs.signalNotify(sigC, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigC:
			gs.logger.WithField("sig", sig).Debug("Stopping k6web in response to signal...")
			cancel(errext.WithExitCodeIfNone(fmt.Errorf("script run aborted by signal %s", sig), exitcodes.ExternalAbort))
		case <-done:
			return
		}

		select {
		case sig := <-sigC:
			gs.logger.WithField("sig", sig).Error("Aborting k6web in response to signal")
			gs.osExit(int(exitcodes.ExternalAbort))
		case <-done:
		}
	}()

	return func() {
		close(done)
		gs.signalStop(sigC)
	}
}

func getCmdRun(gs *globalState) *cobra.Command {
	c := &cmdRun{gs: gs}

	runCmd := &cobra.Command{
		Use:   "run [flags] <script>",
		Short: "Run a script",
		Long: `Run a script with setTimeout, AbortController, the Streams API and fetch
available as globals. The run ends when the script has no timers or fetches
pending. Use "-" to read the script from stdin.`,
		Example: `
  # Run a script
  k6web run script.js

  # Follow at most 3 redirects and log at debug level
  k6web run -v --max-redirects 3 script.js

  # Read the script from stdin
  cat script.js | k6web run -`[1:],
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}

	runCmd.Flags().SortFlags = false
	runCmd.Flags().AddFlagSet(optionFlagSet())
	return runCmd
}
