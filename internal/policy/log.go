package policy

import (
	"log/slog"

	"github.com/padwerk/xtalk/internal/pipeline"
)

// hostLog returns the host logger, or the process default when the policy
// runs unattached (tests calling Process directly).
func hostLog(h pipeline.Host) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return h.Logger()
}
