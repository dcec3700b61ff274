package errext

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Format returns the message and log fields err should be reported with:
// the stack trace for an [Exception], a "hint" field for a [HasHint].
func Format(err error) (string, logrus.Fields) {
	if err == nil {
		return "", nil
	}

	msg := err.Error()
	var xerr Exception
	if errors.As(err, &xerr) {
		msg = xerr.StackTrace()
	}

	fields := logrus.Fields{}
	var herr HasHint
	if errors.As(err, &herr) {
		fields["hint"] = herr.Hint()
	}
	return msg, fields
}
