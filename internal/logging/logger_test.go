package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level   string
		want    zerolog.Level
		logged  []string
		dropped []string
	}{
		{level: "trace", want: zerolog.TraceLevel, logged: []string{"trace message", "debug message", "info message"}},
		{level: "debug", want: zerolog.DebugLevel, logged: []string{"debug message", "info message"}, dropped: []string{"trace message"}},
		{level: "info", want: zerolog.InfoLevel, logged: []string{"info message"}, dropped: []string{"debug message"}},
		{level: "warn", want: zerolog.WarnLevel, logged: []string{"warn message"}, dropped: []string{"info message"}},
		{level: "error", want: zerolog.ErrorLevel, logged: []string{"error message"}, dropped: []string{"warn message"}},
		{level: "invalid", want: zerolog.InfoLevel, logged: []string{"info message"}, dropped: []string{"debug message"}},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})
			assert.Equal(t, tt.want, logger.GetLevel())

			logger.Trace().Msg("trace message")
			logger.Debug().Msg("debug message")
			logger.Info().Msg("info message")
			logger.Warn().Msg("warn message")
			logger.Error().Msg("error message")

			for _, msg := range tt.logged {
				assert.Contains(t, buf.String(), msg)
			}
			for _, msg := range tt.dropped {
				assert.NotContains(t, buf.String(), msg)
			}
		})
	}
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "emitter")
	logger.Info().Msg("sections finished")

	assert.Contains(t, buf.String(), `"component":"emitter"`)
	assert.Contains(t, buf.String(), "sections finished")
}

func TestNew_PrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})
	logger.Info().Msg("linked")
	assert.Contains(t, buf.String(), "linked")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Pretty)
	assert.NotPanics(t, func() {
		logger := New(Config{Level: "info"})
		logger.Info().Msg("default output")
	})
}
