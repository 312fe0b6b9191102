// Package feed pushes draft change events to connected clients over
// websockets. Each owner only hears about their own drafts.
package feed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/cyruslayo/buildr/internal/auth"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
	pingInterval     = 30 * time.Second
)

// Metrics tracks feed activity.
type Metrics struct {
	connections prometheus.Gauge
	dropped     prometheus.Counter
}

// NewMetrics registers the feed metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buildr_feed_connections",
			Help: "Open change feed websockets",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "buildr_feed_dropped_total",
			Help: "Feed events dropped because a subscriber was too slow",
		}),
	}
}

type subscriber struct {
	ch chan models.FeedEvent
}

// Hub tracks websocket subscribers by owner.
type Hub struct {
	broker  Broker
	metrics *Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub creates a Hub publishing through broker. Run must be started
// for published events to reach subscribers.
func NewHub(broker Broker, metrics *Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		broker:  broker,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[string]map[*subscriber]struct{}),
	}
}

// Run relays broker events to local subscribers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.deliver)
}

// Publish announces a draft write. Failures are logged; the write that
// triggered the event has already succeeded.
func (h *Hub) Publish(ctx context.Context, ownerID string, event models.FeedEvent) {
	if err := h.broker.Publish(ctx, ownerID, event); err != nil {
		h.logger.Warn("feed publish failed",
			slog.String("owner", ownerID),
			slog.String("draft_id", event.DraftID),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribers returns how many connections ownerID has open.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[ownerID])
}

func (h *Hub) deliver(ownerID string, event models.FeedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[ownerID] {
		select {
		case s.ch <- event:
		default:
			if h.metrics != nil {
				h.metrics.dropped.Inc()
			}

			h.logger.Debug("feed subscriber slow, event dropped", slog.String("owner", ownerID))
		}
	}
}

func (h *Hub) subscribe(ownerID string) (*subscriber, func()) {
	s := &subscriber{ch: make(chan models.FeedEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[*subscriber]struct{})
	}
	h.subs[ownerID][s] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.connections.Inc()
	}

	return s, func() {
		h.mu.Lock()
		delete(h.subs[ownerID], s)
		if len(h.subs[ownerID]) == 0 {
			delete(h.subs, ownerID)
		}
		h.mu.Unlock()

		if h.metrics != nil {
			h.metrics.connections.Dec()
		}
	}
}

// ServeHTTP upgrades an authenticated request to a websocket and streams
// the owner's events until either side goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.RequestUserID(r.Context())
	if ownerID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("feed upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	sub, unsubscribe := h.subscribe(ownerID)
	defer unsubscribe()

	h.logger.Debug("feed client connected",
		slog.String("owner", ownerID),
		slog.String("ip", auth.RequestRemoteIP(r.Context())),
	)

	// Clients never send; CloseRead handles control frames and cancels
	// ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("feed client disconnected", slog.String("owner", ownerID))
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil {
				return
			}
		case event := <-sub.ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, event)
			cancel()

			if err != nil {
				h.logger.Debug("feed write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
