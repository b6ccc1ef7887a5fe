package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelDebug,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestHandlerFormatsAndFilters(t *testing.T) {
	defer SetLevel("debug")

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).With("token", "dev-1")

	SetLevel("info")
	assert.Equal(t, "info", GetLevel())

	log.Debug("[Device] hidden")
	log.Info("[Device] Status changed", "status", "open")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] [Device] Status changed token=dev-1 status=open")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestHandlerGroupPrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf)).WithGroup("call")

	log.Warn("dropped", "id", "c1")

	assert.Contains(t, buf.String(), "call.id=c1")
}
