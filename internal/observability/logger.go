package observability

import (
	logs "github.com/danmuck/collabctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger returns the process logger tagged with app and makes it the
// zerolog global so library code logging through zerolog/log lands in the same sink.
func InitLogger(app string) zerolog.Logger {
	logger := logs.Logger().With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
