package connector

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/telemetry"
)

// ConnectionState is the connector lifecycle state.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

const (
	handshakeTimeout      = 30 * time.Second
	pingInterval          = 20 * time.Second
	pongTimeout           = 10 * time.Second
	closeTimeout          = 5 * time.Second
	reconnectInitialDelay = 1 * time.Second
	reconnectMaxDelay     = 60 * time.Second

	// uptimeMessageWindow bounds how old the last message may be for the
	// connector to count as up.
	uptimeMessageWindow = 30 * time.Second

	messageRateWindow = 60 * time.Second
	msgTimeRingSize   = 100
)

// Telemetry is a read-only snapshot of a connector's health.
type Telemetry struct {
	Venue            market.Venue      `json:"venue"`
	Asset            market.Asset      `json:"asset"`
	MarketType       market.MarketType `json:"market_type"`
	ConnectionState  ConnectionState   `json:"connection_state"`
	LastMessageTime  int64             `json:"last_message_time"`
	MessageCount     int64             `json:"message_count"`
	TradeCount       int64             `json:"trade_count"`
	ReconnectCount   int64             `json:"reconnect_count"`
	SessionStartTime int64             `json:"session_start_time"`
	UptimePercent    float64           `json:"uptime_percent"`
	AvgMessageRate   float64           `json:"avg_message_rate"`
}

// Supervisor owns one logical venue trade subscription: it dials, subscribes,
// reads frames through the venue Driver, feeds the bar builder, and
// reconnects with exponential backoff. After Stop returns no callbacks are
// invoked.
type Supervisor struct {
	driver     Driver
	asset      market.Asset
	marketType market.MarketType
	builder    *market.BarBuilder
	now        func() time.Time

	mu             sync.RWMutex
	state          ConnectionState
	conn           *websocket.Conn
	lastMessageMs  int64
	messageCount   int64
	tradeCount     int64
	reconnectCount int64
	sessionStartMs int64
	msgTimes       []int64 // ring of recent message receipt times (ms)
	msgTimesIdx    int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor wires a driver to a bar builder. onBarComplete receives each
// finalized minute bar in bar-time order.
func NewSupervisor(driver Driver, asset market.Asset, marketType market.MarketType, onBarComplete func(market.Bar)) *Supervisor {
	return &Supervisor{
		driver:     driver,
		asset:      asset,
		marketType: marketType,
		builder:    market.NewBarBuilder(driver.Venue(), asset, marketType, onBarComplete),
		now:        time.Now,
		state:      StateDisconnected,
		msgTimes:   make([]int64, 0, msgTimeRingSize),
	}
}

// Builder exposes the underlying bar builder for read paths.
func (s *Supervisor) Builder() *market.BarBuilder { return s.builder }

// Venue returns the driver's venue.
func (s *Supervisor) Venue() market.Venue { return s.driver.Venue() }

// Start launches the supervising goroutine. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.sessionStartMs = s.now().UnixMilli()
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(ctx)
	}()
}

// Stop closes the socket and waits for the supervising goroutine to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			s.now().Add(closeTimeout))
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	s.setState(StateDisconnected)
}

func (s *Supervisor) run(ctx context.Context) {
	labels := s.labels()
	delay := reconnectInitialDelay

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setState(StateError)
			log.Warn().Err(err).
				Str("venue", labels[0]).Str("asset", labels[1]).Str("market_type", labels[2]).
				Dur("retry_in", delay).
				Msg("connect failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected)
		telemetry.ConnectionUp.WithLabelValues(labels...).Set(1)
		delay = reconnectInitialDelay

		log.Info().
			Str("venue", labels[0]).Str("asset", labels[1]).Str("market_type", labels[2]).
			Msg("connected")

		err = s.readLoop(ctx, conn)

		telemetry.ConnectionUp.WithLabelValues(labels...).Set(0)
		_ = conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		s.reconnectCount++
		s.mu.Unlock()
		telemetry.ReconnectsTotal.WithLabelValues(labels...).Inc()

		log.Warn().Err(err).
			Str("venue", labels[0]).Str("asset", labels[1]).Str("market_type", labels[2]).
			Dur("retry_in", delay).
			Msg("stream closed, reconnecting")

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.driver.URL(), nil)
	if err != nil {
		return nil, err
	}

	sub, err := s.driver.SubscribeMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(s.now().Add(closeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Supervisor) readLoop(ctx context.Context, conn *websocket.Conn) error {
	readDeadline := pingInterval + pongTimeout

	_ = conn.SetReadDeadline(s.now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.now().Add(readDeadline))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, s.now().Add(closeTimeout)); err != nil {
					return
				}
			}
		}
	}()

	labels := s.labels()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(s.now().Add(readDeadline))

		nowMs := s.now().UnixMilli()
		s.recordMessage(nowMs)
		telemetry.MessagesTotal.WithLabelValues(labels...).Inc()

		trades := s.driver.Parse(frame, nowMs)
		if len(trades) == 0 {
			continue
		}

		s.mu.Lock()
		s.tradeCount += int64(len(trades))
		s.mu.Unlock()
		telemetry.TradesTotal.WithLabelValues(labels...).Add(float64(len(trades)))

		for _, t := range trades {
			s.builder.AddTrade(t)
		}
	}
}

func (s *Supervisor) recordMessage(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessageMs = nowMs
	s.messageCount++
	if len(s.msgTimes) < msgTimeRingSize {
		s.msgTimes = append(s.msgTimes, nowMs)
	} else {
		s.msgTimes[s.msgTimesIdx] = nowMs
		s.msgTimesIdx = (s.msgTimesIdx + 1) % msgTimeRingSize
	}
}

func (s *Supervisor) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// IsConnected reports the live connection state, used by the aggregator to
// build composite inputs.
func (s *Supervisor) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

// LastUpdateMs returns the receipt time of the most recent message.
func (s *Supervisor) LastUpdateMs() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMessageMs, s.lastMessageMs > 0
}

// Telemetry returns a health snapshot as of nowMs.
func (s *Supervisor) Telemetry(nowMs int64) Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := 0.0
	if s.state == StateConnected && s.lastMessageMs > 0 &&
		nowMs-s.lastMessageMs < uptimeMessageWindow.Milliseconds() {
		uptime = 100.0
	}

	recent := 0
	cutoff := nowMs - messageRateWindow.Milliseconds()
	for _, t := range s.msgTimes {
		if t >= cutoff {
			recent++
		}
	}

	return Telemetry{
		Venue:            s.driver.Venue(),
		Asset:            s.asset,
		MarketType:       s.marketType,
		ConnectionState:  s.state,
		LastMessageTime:  s.lastMessageMs,
		MessageCount:     s.messageCount,
		TradeCount:       s.tradeCount,
		ReconnectCount:   s.reconnectCount,
		SessionStartTime: s.sessionStartMs,
		UptimePercent:    uptime,
		AvgMessageRate:   float64(recent) / messageRateWindow.Seconds(),
	}
}

func (s *Supervisor) labels() []string {
	return []string{string(s.driver.Venue()), string(s.asset), string(s.marketType)}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
