package testlog

import (
	"testing"

	"github.com/danmuck/imlink/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Msgf("test=%s", t.Name())
}

// Logf emits a debug line scoped to the running test.
func Logf(t *testing.T, format string, args ...any) {
	t.Helper()
	log.Debug().Str("test", t.Name()).Msgf(format, args...)
}
