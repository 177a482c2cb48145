package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/helmsman/internal/telemetry"
)

const (
	feedDialTimeout = 15 * time.Second

	feedBaseReconnectDelay = 2 * time.Second
	feedMaxReconnectDelay  = time.Minute
	feedWarnAfterAttempts  = 10
)

// MetricsFeed streams MetricTick frames from the supervisory metrics
// endpoint into the gate over a WebSocket. The feed never gives up:
// reconnection backs off exponentially but keeps retrying, because a
// feed that stops trying silently disarms the staleness check's
// counterpart. While the feed is down the gate's staleness check is
// the backstop.
type MetricsFeed struct {
	url     string
	gate    *Gate
	metrics *telemetry.Metrics
	log     zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc

	connected    bool
	reconnecting bool
	stopped      bool
	stopChan     chan struct{}
}

// NewMetricsFeed creates a feed for the given WebSocket URL. The gate
// must be non-nil; metrics may be nil.
func NewMetricsFeed(url string, gate *Gate, metrics *telemetry.Metrics, log zerolog.Logger) *MetricsFeed {
	return &MetricsFeed{
		url:      url,
		gate:     gate,
		metrics:  metrics,
		log:      log.With().Str("component", "metrics_feed").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start connects and begins streaming. On a failed first dial the feed
// keeps retrying in the background, so the returned error is advisory.
func (f *MetricsFeed) Start() error {
	f.log.Info().Str("url", f.url).Msg("Starting safety metrics feed")

	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial metrics feed connection failed, will retry in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readTicks(ctx)
	return nil
}

// Stop shuts the feed down and closes the connection.
func (f *MetricsFeed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	close(f.stopChan)
	return f.disconnect()
}

// connect dials the metrics endpoint and installs the connection.
func (f *MetricsFeed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), feedDialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dialing metrics feed: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true
	f.setConnectedGauge(1)

	f.log.Info().Msg("Connected to safety metrics feed")
	return nil
}

func (f *MetricsFeed) disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}
	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}
	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false
	f.setConnectedGauge(0)

	if err != nil {
		return fmt.Errorf("closing metrics feed: %w", err)
	}
	return nil
}

// readTicks consumes frames until the connection drops, then hands off
// to the reconnect loop.
func (f *MetricsFeed) readTicks(ctx context.Context) {
	defer func() {
		f.mu.Lock()
		f.connected = false
		stopped := f.stopped
		f.mu.Unlock()
		f.setConnectedGauge(0)
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				f.log.Info().Int("status", int(closeStatus)).Msg("Metrics feed closed by remote")
			case ctx.Err() != nil:
				f.log.Debug().Msg("Metrics feed read cancelled")
			default:
				f.log.Error().Err(err).Msg("Metrics feed read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			f.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text metrics frame")
			continue
		}

		var tick MetricTick
		if err := json.Unmarshal(message, &tick); err != nil {
			f.log.Error().Err(err).Str("frame", string(message)).Msg("Failed to parse metric tick")
			continue
		}
		f.gate.Ingest(tick)
	}
}

// reconnectLoop retries with exponential backoff until stopped.
func (f *MetricsFeed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		attempt++
		delay := feedBackoff(attempt)
		if attempt <= feedWarnAfterAttempts {
			f.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to metrics feed")
		} else {
			f.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Metrics feed still down, retrying")
		}

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("Metrics feed reconnection failed")
			continue
		}

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readTicks(ctx)
		return
	}
}

// Connected reports whether the feed currently holds a live connection.
func (f *MetricsFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func (f *MetricsFeed) setConnectedGauge(v float64) {
	if f.metrics != nil {
		f.metrics.FeedConnected.Set(v)
	}
}

func feedBackoff(attempt int) time.Duration {
	delay := float64(feedBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(feedMaxReconnectDelay) {
		delay = float64(feedMaxReconnectDelay)
	}
	return time.Duration(delay)
}
