package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// insertTimeout bounds how long one event insert may hold up the caller.
const insertTimeout = 2 * time.Second

// Recorder persists runtime events and publishes them to live subscribers.
// Its Observe method is installed as the registry's observer.
type Recorder struct {
	store  store.Store
	broker *Broker
	logger *slog.Logger
}

// NewRecorder creates a recorder. A nil store only publishes.
func NewRecorder(s store.Store, b *Broker, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, broker: b, logger: logger}
}

// Observe records ev. Store failures are logged and never propagated into
// the runtime that emitted the event.
func (r *Recorder) Observe(ev model.RuntimeEvent) {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := r.store.InsertEvent(ctx, &ev); err != nil {
			r.logger.Error("record runtime event", "runtime", ev.Runtime, "kind", ev.Kind, "error", err)
		}
		cancel()
	}

	r.broker.Publish(ev)
	if ev.Kind == model.EventDestroyed {
		r.broker.Close(ev.Runtime)
	}
}
