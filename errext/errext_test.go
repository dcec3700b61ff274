package errext_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuxd6825/k6web/errext"
	"github.com/liuxd6825/k6web/errext/exitcodes"
)

type exception struct{ msg, stack string }

func (e exception) Error() string      { return e.msg }
func (e exception) StackTrace() string { return e.stack }

func TestExitCode(t *testing.T) {
	t.Parallel()

	require.NoError(t, errext.WithExitCodeIfNone(nil, exitcodes.InvalidConfig))

	base := errors.New("base")
	err := errext.WithExitCodeIfNone(base, exitcodes.InvalidConfig)
	err = errext.WithExitCodeIfNone(fmt.Errorf("wrapped: %w", err), exitcodes.ScriptException)

	var ecerr errext.HasExitCode
	require.ErrorAs(t, err, &ecerr)
	assert.Equal(t, exitcodes.InvalidConfig, ecerr.ExitCode())
	assert.ErrorIs(t, err, base)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		err    error
		msg    string
		fields map[string]any
	}{
		{name: "nil"},
		{name: "plain", err: errors.New("plain"), msg: "plain", fields: map[string]any{}},
		{
			name:   "hints",
			err:    errext.WithHint(errext.WithHint(errors.New("x"), "inner"), "outer"),
			msg:    "x",
			fields: map[string]any{"hint": "outer (inner)"},
		},
		{
			name:   "exception",
			err:    errext.WithHint(exception{msg: "boom", stack: "boom\n\tat script.js:1:1"}, "check the script"),
			msg:    "boom\n\tat script.js:1:1",
			fields: map[string]any{"hint": "check the script"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			msg, fields := errext.Format(tc.err)
			assert.Equal(t, tc.msg, msg)
			if tc.fields == nil {
				assert.Nil(t, fields)
				return
			}
			assert.Equal(t, tc.fields, map[string]any(fields))
		})
	}
}
