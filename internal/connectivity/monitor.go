package connectivity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/tidwall/gjson"
)

const (
	DefaultReconnectMin = 1 * time.Second
	DefaultReconnectMax = 60 * time.Second

	feedReadLimit = 64 * 1024
)

// TokenFunc returns the bearer token used to open the feed.
type TokenFunc func(ctx context.Context) (string, error)

// MonitorConfig describes the feed connection.
type MonitorConfig struct {
	// URL is the ws:// or wss:// address of the change feed.
	URL          string
	Token        TokenFunc
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// OnEvent, if set, receives every draft change pushed by the server.
	OnEvent func(models.FeedEvent)
}

// Monitor keeps a websocket open to the change feed and reports the
// connection state on a Signal. A live connection means online.
type Monitor struct {
	cfg    MonitorConfig
	signal *Signal
	logger *slog.Logger
}

// NewMonitor creates a monitor. Call Run to start it.
func NewMonitor(cfg MonitorConfig, signal *Signal, logger *slog.Logger) *Monitor {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}

	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}

	return &Monitor{cfg: cfg, signal: signal, logger: logger}
}

// Run connects and reconnects until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := m.cfg.ReconnectMin

	for {
		conn, err := m.dial(ctx)
		if err == nil {
			m.signal.SetOnline(true)
			m.logger.Info("change feed connected", slog.String("url", m.cfg.URL))

			backoff = m.cfg.ReconnectMin
			err = m.readLoop(ctx, conn)
			conn.CloseNow()
		}

		m.signal.SetOnline(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.logger.Warn("change feed unavailable, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff)/2 + 1))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, m.cfg.ReconnectMax)
	}
}

func (m *Monitor) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}

	if m.cfg.Token != nil {
		token, err := m.cfg.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting feed token: %w", err)
		}

		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing change feed: %w", err)
	}

	conn.SetReadLimit(feedReadLimit)

	return conn, nil
}

func (m *Monitor) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading change feed: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		op := gjson.GetBytes(data, "op").Str
		if op != models.FeedOpDraftUpdated {
			m.logger.Debug("ignoring feed message", slog.String("op", op))
			continue
		}

		var event models.FeedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			m.logger.Warn("bad feed message", slog.String("error", err.Error()))
			continue
		}

		m.logger.Debug("draft changed remotely",
			slog.String("draft_id", event.DraftID),
			slog.String("updated_at", event.UpdatedAt),
		)

		if m.cfg.OnEvent != nil {
			m.cfg.OnEvent(event)
		}
	}
}
