package setup

import (
	"log/slog"

	"github.com/cochaviz/kiln/internal/logging"
)

var packageLogger *slog.Logger

// SetLogger configures the logger used by setup operations. nil restores
// the default.
func SetLogger(logger *slog.Logger) {
	packageLogger = logger
}

func getLogger() *slog.Logger {
	return logging.Component(logging.Ensure(packageLogger), "setup")
}
