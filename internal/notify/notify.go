// Package notify sends desktop notifications for connectivity changes.
package notify

import (
	"io"
	"log/slog"

	"github.com/gen2brain/beeep"
)

// Notifier shows desktop notifications when enabled; send failures are
// logged and never propagated.
type Notifier struct {
	enabled bool
	logger  *slog.Logger
}

func New(enabled bool, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{enabled: enabled, logger: logger}
}

func (n *Notifier) Send(title, message string) {
	if !n.enabled {
		return
	}
	if err := beeep.Notify(title, message, ""); err != nil {
		n.logger.Debug("desktop notification failed", "error", err)
	}
}

// ConnectivityChanged announces an offline/online transition.
func (n *Notifier) ConnectivityChanged(online bool) {
	if online {
		n.Send("pointeuse", "Back online — syncing queued time entries")
	} else {
		n.Send("pointeuse", "Offline — time tracking continues locally")
	}
}
