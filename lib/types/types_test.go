package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtendedDuration(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		in     string
		expErr bool
		exp    time.Duration
	}{
		{"", true, 0},
		{"d", true, 0},
		{"d2h", true, 0},
		{"2.1d", true, 0},
		{"2d-2h", true, 0},
		{"2da", true, 0},
		{"1500", false, 1500 * time.Millisecond},
		{"1.12s", false, 1120 * time.Millisecond},
		{"1d", false, 24 * time.Hour},
		{"1d23h", false, 47 * time.Hour},
		{"-1d2h", false, -26 * time.Hour},
		{"0d25h120m80s", false, 27*time.Hour + 80*time.Second},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseExtendedDuration(tc.in)
			if tc.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.exp, got)
		})
	}
}

func TestNullDurationJSON(t *testing.T) {
	t.Parallel()

	t.Run("string", func(t *testing.T) {
		t.Parallel()
		var d NullDuration
		require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
		assert.Equal(t, NullDurationFrom(90*time.Second), d)
	})
	t.Run("milliseconds", func(t *testing.T) {
		t.Parallel()
		var d NullDuration
		require.NoError(t, json.Unmarshal([]byte(`250`), &d))
		assert.Equal(t, NullDurationFrom(250*time.Millisecond), d)
	})
	t.Run("null", func(t *testing.T) {
		t.Parallel()
		d := NullDurationFrom(time.Second)
		require.NoError(t, json.Unmarshal([]byte(`null`), &d))
		assert.False(t, d.Valid)
	})
	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		var d NullDuration
		assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &d))
		assert.Error(t, json.Unmarshal([]byte(`{}`), &d))
	})
	t.Run("marshal", func(t *testing.T) {
		t.Parallel()
		b, err := json.Marshal(NullDurationFrom(2 * time.Second))
		require.NoError(t, err)
		assert.Equal(t, `"2s"`, string(b))
		b, err = json.Marshal(NullDuration{})
		require.NoError(t, err)
		assert.Equal(t, `null`, string(b))
	})
}

func TestNullDurationText(t *testing.T) {
	t.Parallel()
	var d NullDuration
	require.NoError(t, d.UnmarshalText([]byte("2d")))
	assert.Equal(t, NullDurationFrom(48*time.Hour), d)
	require.NoError(t, d.UnmarshalText(nil))
	assert.False(t, d.Valid)
}
