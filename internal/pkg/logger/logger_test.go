package logger

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	appCtx "github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/context"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

var envMu sync.Mutex

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()

	envMu.Lock()
	t.Cleanup(envMu.Unlock)

	prev := map[string]*string{}
	for k, v := range kv {
		if old, ok := os.LookupEnv(k); ok {
			tmp := old
			prev[k] = &tmp
		} else {
			prev[k] = nil
		}
		_ = os.Setenv(k, v)
	}

	t.Cleanup(func() {
		for k, old := range prev {
			if old == nil {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, *old)
			}
		}
	})
}

func TestInitWithWriter_DefaultsToInfoAndConsole(t *testing.T) {
	withEnv(t, map[string]string{"LOG_LEVEL": "", "LOG_FORMAT": ""})

	var buf bytes.Buffer
	InitWithWriter(&buf)

	require.Equal(t, "info", Logger.GetLevel().String())
	require.Equal(t, "info", zlog.Logger.GetLevel().String())

	Logger.Info().Msg("hello")
	out := strings.TrimSpace(buf.String())
	require.NotEmpty(t, out)
	require.False(t, strings.HasPrefix(out, "{"), "expected console output, got %q", out)
	require.Contains(t, out, "hello")
}

func TestInitWithWriter_InvalidLevelFallsBackToInfo(t *testing.T) {
	withEnv(t, map[string]string{"LOG_LEVEL": "not-a-level", "LOG_FORMAT": "console"})

	var buf bytes.Buffer
	InitWithWriter(&buf)

	Logger.Debug().Msg("debug-should-not-print")
	Logger.Info().Msg("info-should-print")

	out := buf.String()
	require.NotContains(t, out, "debug-should-not-print")
	require.Contains(t, out, "info-should-print")
}

func TestInitWithWriter_JSONFormat(t *testing.T) {
	withEnv(t, map[string]string{"LOG_LEVEL": "info", "LOG_FORMAT": "json"})

	var buf bytes.Buffer
	InitWithWriter(&buf)

	Logger.Info().Str("k", "v").Msg("hello")
	out := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(out, "{") && strings.HasSuffix(out, "}"), "got %q", out)
	require.Contains(t, out, `"message":"hello"`)
	require.Contains(t, out, `"k":"v"`)
}

func TestWithCtx_AddsRequestID(t *testing.T) {
	withEnv(t, map[string]string{"LOG_LEVEL": "info", "LOG_FORMAT": "json"})

	var buf bytes.Buffer
	InitWithWriter(&buf)

	ctx := appCtx.WithRequestID(context.Background(), "rid-42")
	WithCtx(ctx).Info().Msg("tagged")
	WithCtx(context.Background()).Info().Msg("untagged")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"request_id":"rid-42"`)
	require.NotContains(t, lines[1], "request_id")
}

func TestComponent_TagsComponent(t *testing.T) {
	withEnv(t, map[string]string{"LOG_LEVEL": "info", "LOG_FORMAT": "json"})

	var buf bytes.Buffer
	InitWithWriter(&buf)

	l := Component("outbox_worker")
	l.Info().Msg("started")
	require.Contains(t, buf.String(), `"component":"outbox_worker"`)
}
