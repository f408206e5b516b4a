package log

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ zapcore.WriteSyncer = (*syncBuffer)(nil)

func TestLoggerKeyValues(t *testing.T) {
	out := &syncBuffer{}
	l := New(out, InfoLevel, true)

	l.Infow("hello", "key", "value")
	got := out.String()
	require.Contains(t, got, "hello")
	require.Contains(t, got, "key")
	require.Contains(t, got, "value")
}

func TestLoggerLevelFilter(t *testing.T) {
	out := &syncBuffer{}
	l := New(out, InfoLevel, true)

	l.Debugw("invisible")
	require.NotContains(t, out.String(), "invisible")

	l = New(out, DebugLevel, true)
	l.Debugw("visible")
	require.Contains(t, out.String(), "visible")
}

func TestNamedWith(t *testing.T) {
	out := &syncBuffer{}
	l := New(out, InfoLevel, true).Named("sub").With("id", 7)

	l.Infow("tagged")
	got := out.String()
	require.Contains(t, got, "sub")
	require.Contains(t, got, "tagged")
	require.Contains(t, got, "id")
}
