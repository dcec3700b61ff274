// Package exitcodes contains the process exit codes of k6web.
package exitcodes

// ExitCode is a process exit code.
type ExitCode uint8

// The exit codes k6web uses.
const (
	InvalidConfig   ExitCode = 104
	ExternalAbort   ExitCode = 105
	ScriptException ExitCode = 107
	ScriptAborted   ExitCode = 108
	GoPanic         ExitCode = 109
)
