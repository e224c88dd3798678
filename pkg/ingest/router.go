package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alimk/fieldwatch/pkg/models"
)

// ErrMalformed marks payloads that could not be decoded into their schema.
var ErrMalformed = errors.New("malformed payload")

// HandlerFunc processes one payload already known to be a JSON object.
type HandlerFunc func(ctx context.Context, payload []byte) error

type route struct {
	name    string
	handler HandlerFunc
}

// Router dispatches payloads by exact topic. Route never returns an error:
// every failure is logged and counted, then the message is dropped.
type Router struct {
	routes map[string]route
	log    *slog.Logger
}

func NewRouter(log *slog.Logger) *Router {
	return &Router{routes: make(map[string]route), log: log}
}

// Handle registers h for topic under a short name used in logs and metrics.
func (r *Router) Handle(topic, name string, h HandlerFunc) {
	r.routes[topic] = route{name: name, handler: h}
}

// Route decodes and dispatches one message.
func (r *Router) Route(ctx context.Context, topic string, payload []byte) {
	rt, ok := r.routes[topic]
	if !ok {
		messagesIgnored.Inc()
		r.log.Debug("no handler for topic", "topic", topic)
		return
	}

	if _, err := models.DecodeObject(payload); err != nil {
		messagesRejected.WithLabelValues(rt.name, "decode").Inc()
		r.log.Warn("dropping malformed payload", "topic", topic, "error", err)
		return
	}

	err := rt.handler(ctx, payload)
	var verr *models.ValidationError
	switch {
	case err == nil:
		messagesHandled.WithLabelValues(rt.name).Inc()
	case errors.Is(err, ErrMalformed):
		messagesRejected.WithLabelValues(rt.name, "decode").Inc()
		r.log.Warn("dropping malformed payload", "topic", topic, "error", err)
	case errors.As(err, &verr):
		messagesRejected.WithLabelValues(rt.name, "validation").Inc()
		r.log.Warn("dropping invalid record",
			"topic", topic,
			"kind", verr.Kind,
			"problems", verr.Problems,
		)
	default:
		storeErrors.WithLabelValues(rt.name).Inc()
		r.log.Error("message dropped after store failure", "topic", topic, "error", err)
	}
}
