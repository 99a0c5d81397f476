package worker

import (
	"log/slog"
	"os"
	"strings"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CURRICULLM_WORKER_DEBUG"), "1")

func debugLog(logger *slog.Logger, msg string, args ...any) {
	if workerDebugEnabled && logger != nil {
		logger.Debug(msg, args...)
	}
}
