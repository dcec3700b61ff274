package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizer(t *testing.T) {
	t.Parallel()

	tokens, err := tokenize("file=./k6web.log,level=info,s.e=2231")
	require.NoError(t, err)
	assert.Equal(t, []token{
		{key: "file", value: "./k6web.log"},
		{key: "level", value: "info"},
		{key: "s.e", value: "2231"},
	}, tokens)

	_, err = tokenize("empty=")
	assert.EqualError(t, err, "key `empty=` with no value")

	_, err = tokenize("file=a,=b")
	assert.EqualError(t, err, "empty key in `file=a,=b`")
}

func TestParseLevels(t *testing.T) {
	t.Parallel()

	levels, err := parseLevels("warning")
	require.NoError(t, err)
	assert.Equal(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}, levels)

	_, err = parseLevels("tea")
	assert.EqualError(t, err, "unknown log level tea")
}
