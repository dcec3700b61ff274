// Package log implements the logrus hooks behind the --log-output flag.
package log

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// AsyncHook is a logrus hook that delivers entries from its own goroutine.
type AsyncHook interface {
	logrus.Hook

	// Listen delivers entries until ctx is done, then flushes whatever is
	// still pending.
	Listen(ctx context.Context)
}

// token is a key=value pair of a config line such as
// `file=./k6web.log,level=info`.
type token struct {
	key   string
	value string
}

func tokenize(line string) ([]token, error) {
	var tokens []token
	for _, part := range strings.Split(line, ",") {
		key, value, ok := strings.Cut(part, "=")
		if key == "" {
			return nil, fmt.Errorf("empty key in `%s`", line)
		}
		if !ok || value == "" {
			return nil, fmt.Errorf("key `%s` with no value", part)
		}
		tokens = append(tokens, token{key: key, value: value})
	}
	return tokens, nil
}

// parseLevels returns level and every level more severe than it.
func parseLevels(level string) ([]logrus.Level, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %s", level)
	}
	index := sort.Search(len(logrus.AllLevels), func(i int) bool {
		return logrus.AllLevels[i] > lvl
	})

	return logrus.AllLevels[:index], nil
}
