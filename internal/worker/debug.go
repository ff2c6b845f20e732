package worker

import (
	"log/slog"
	"os"
	"strings"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CHATROUTER_WORKER_DEBUG"), "1")

// debugLog traces scheduling decisions; they are too chatty for the debug level.
func debugLog(logger *slog.Logger, msg string, args ...any) {
	if workerDebugEnabled && logger != nil {
		logger.Info(msg, args...)
	}
}
