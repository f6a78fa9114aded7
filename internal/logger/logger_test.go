package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		pretty bool
		want   zerolog.Level
	}{
		{"info level pretty", "info", true, zerolog.InfoLevel},
		{"debug level json", "debug", false, zerolog.DebugLevel},
		{"invalid level defaults to info", "invalid", false, zerolog.InfoLevel},
		{"empty level defaults to info", "", false, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			InitWithWriter(&buf, "moneycore-test", tt.level, tt.pretty)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}

func TestComponentTagsEvents(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "moneycore-test", "debug", false)

	log := Component("transfers")
	log.Info().Msg("committed")
	Warn().Msg("warn message")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"component":"transfers"`))
	assert.True(t, strings.Contains(out, `"service":"moneycore-test"`))
	assert.True(t, strings.Contains(out, "warn message"))
}
