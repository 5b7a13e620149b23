package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewParsesLevels(t *testing.T) {
	testCases := []struct {
		level         string
		expectedLevel zerolog.Level
		name          string
	}{
		{"debug", zerolog.DebugLevel, "debug"},
		{"warn", zerolog.WarnLevel, "warn"},
		{"error", zerolog.ErrorLevel, "error"},
		{"nonsense", zerolog.InfoLevel, "unknown defaults to info"},
		{"", zerolog.InfoLevel, "empty defaults to info"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			log := New(Config{Level: tc.level})
			assert.Equal(t, tc.expectedLevel, log.GetLevel())
		})
	}
}

func TestNewErrorLevelFiltersLower(t *testing.T) {
	log := New(Config{Level: "error"})

	var buf bytes.Buffer
	log = log.Output(&buf)

	log.Info().Msg("should not appear")
	assert.NotContains(t, buf.String(), "should not appear")

	log.Error().Msg("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestNewStampsServiceField(t *testing.T) {
	log := New(Config{Level: "info"})

	var buf bytes.Buffer
	log = log.Output(&buf)
	log.Info().Msg("stamp check")

	assert.Contains(t, buf.String(), `"service":"titan"`)
}

func TestNewPrettyOutputCarriesMessage(t *testing.T) {
	log := New(Config{Level: "info", Pretty: true})

	var buf bytes.Buffer
	log = log.Output(&buf)
	log.Info().Str("module", "router").Msg("pretty test")

	assert.Contains(t, buf.String(), "pretty test")
}
