package errors

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type mockCloser struct {
	closeErr error
	closed   bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.closeErr
}

func TestDeferClose(t *testing.T) {
	t.Run("nil closer", func(t *testing.T) {
		var buf bytes.Buffer
		DeferClose(zerolog.New(&buf), nil, "close object")
		assert.Zero(t, buf.Len())
	})

	t.Run("successful close", func(t *testing.T) {
		var buf bytes.Buffer
		c := &mockCloser{}
		DeferClose(zerolog.New(&buf), c, "close object")
		assert.True(t, c.closed)
		assert.Zero(t, buf.Len())
	})

	t.Run("close with error", func(t *testing.T) {
		var buf bytes.Buffer
		c := &mockCloser{closeErr: errors.New("bad descriptor")}
		DeferClose(zerolog.New(&buf), c, "close object")
		assert.True(t, c.closed)
		assert.Contains(t, buf.String(), "bad descriptor")
		assert.Contains(t, buf.String(), "close object")
	})
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { Must(nil, "init") })
	assert.PanicsWithValue(t, "init: failed", func() { Must(errors.New("failed"), "init") })
}
