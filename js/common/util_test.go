package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrow(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	fn1, ok := goja.AssertFunction(rt.ToValue(func() { Throw(rt, errors.New("aaaa")) }))
	require.True(t, ok, "fn1 is invalid")
	_, err := fn1(goja.Undefined())
	assert.ErrorContains(t, err, "GoError: aaaa")

	// Rethrowing an exception doesn't wrap it again.
	fn2, ok := goja.AssertFunction(rt.ToValue(func() { Throw(rt, err) }))
	require.True(t, ok, "fn2 is invalid")
	_, err2 := fn2(goja.Undefined())
	assert.ErrorContains(t, err2, "GoError: aaaa")
}

func TestIsNullish(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	assert.True(t, IsNullish(nil))
	assert.True(t, IsNullish(goja.Undefined()))
	assert.True(t, IsNullish(goja.Null()))
	assert.False(t, IsNullish(rt.ToValue(0)))
	assert.False(t, IsNullish(rt.ToValue("")))
	assert.False(t, IsNullish(rt.NewObject()))
}

func TestToBytesAndString(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	for _, data := range []any{"abc", []byte("abc"), rt.NewArrayBuffer([]byte("abc"))} {
		b, err := ToBytes(data)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), b)

		s, err := ToString(data)
		require.NoError(t, err)
		assert.Equal(t, "abc", s)
	}

	_, err := ToBytes(42)
	require.ErrorContains(t, err, "invalid type int")
	_, err = ToString(42)
	require.ErrorContains(t, err, "invalid type int")
}

func TestUnwrapInterruptedError(t *testing.T) {
	t.Parallel()

	rt := goja.New()
	rt.Interrupt(context.Canceled)
	_, err := rt.RunString(`for (;;) {}`)
	require.Error(t, err)
	assert.ErrorIs(t, UnwrapInterruptedError(err), context.Canceled)

	rt = goja.New()
	rt.Interrupt("stop")
	_, err = rt.RunString(`for (;;) {}`)
	require.Error(t, err)
	assert.Equal(t, err, UnwrapInterruptedError(err))

	other := fmt.Errorf("wrapped: %w", errors.New("plain"))
	assert.Equal(t, other, UnwrapInterruptedError(other))
}

func TestNewRandSource(t *testing.T) {
	t.Parallel()

	src := NewRandSource()
	for i := 0; i < 100; i++ {
		f := src()
		assert.GreaterOrEqual(t, f, 0.0)
		assert.Less(t, f, 1.0)
	}
}
