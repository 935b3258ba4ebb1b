// Package dispatch_api is the HTTP and WebSocket surface of the dispatch engine.
package dispatch_api

import (
	"net/http"
	"time"

	"github.com/BearBump/AidBox/internal/broadcast"
	"github.com/BearBump/AidBox/internal/models"
	"github.com/BearBump/AidBox/internal/services/dispatch"
	"github.com/go-chi/chi/v5"
)

// EventStream is the read side of the broadcaster.
type EventStream interface {
	Subscribe(requestID string, since *uint64) (*broadcast.Subscription, error)
	Events(requestID string, since uint64) ([]models.StatusEvent, error)
	Head(requestID string) uint64
}

type Options struct {
	// LongPollTimeout bounds GET /events?wait=...
	LongPollTimeout time.Duration
	// WSFrameRate and WSFrameBurst throttle inbound WebSocket frames per connection.
	WSFrameRate  float64
	WSFrameBurst int
	// WSPingInterval keeps idle sockets alive through proxies.
	WSPingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.LongPollTimeout <= 0 {
		o.LongPollTimeout = 25 * time.Second
	}
	if o.WSFrameRate <= 0 {
		o.WSFrameRate = 2
	}
	if o.WSFrameBurst <= 0 {
		o.WSFrameBurst = 5
	}
	if o.WSPingInterval <= 0 {
		o.WSPingInterval = 30 * time.Second
	}
	return o
}

type DispatchAPI struct {
	engine *dispatch.Engine
	quotes *dispatch.QuoteEngine
	chat   *dispatch.ChatRelay
	stream EventStream
	opts   Options
}

func New(engine *dispatch.Engine, quotes *dispatch.QuoteEngine, chat *dispatch.ChatRelay, stream EventStream, opts Options) *DispatchAPI {
	return &DispatchAPI{engine: engine, quotes: quotes, chat: chat, stream: stream, opts: opts.withDefaults()}
}

// Routes returns the /v1 router. Every route requires the actor headers.
func (a *DispatchAPI) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(identity)

	r.Route("/requests", func(r chi.Router) {
		r.Post("/", a.createRequest)
		r.Get("/", a.listRequests)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getRequest)
			r.Post("/accept", a.acceptRequest)
			r.Post("/status", a.advanceStatus)
			r.Post("/cancel", a.cancelRequest)
			r.Post("/force-status", a.forceStatus)
			r.Post("/location", a.updateLocation)
			r.Get("/audit", a.audit)

			r.Post("/quotes", a.openQuote)
			r.Get("/quotes", a.listQuotes)

			r.Post("/messages", a.sendMessage)
			r.Get("/messages", a.listMessages)

			r.Get("/events", a.events)
			r.Get("/resync", a.resync)
			r.Get("/ws", a.subscribeWS)
		})
	})

	r.Route("/quotes/{id}", func(r chi.Router) {
		r.Get("/", a.getQuote)
		r.Post("/finalize", a.finalizeQuote)
		r.Post("/approve", a.approveQuote)
		r.Post("/reject", a.rejectQuote)
	})
	return r
}
