// Package feed implements the market-data plumbing the reference sim adapter
// rides on: a reconnecting WebSocket tick stream and a REST reference-data
// client for instrument definitions and fee schedules.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ktrader-tech/ktrader-broker-api/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tickBufferSize   = 256
)

// tickMessage is the wire format of one tick on the feed.
type tickMessage struct {
	Code              string    `json:"code"`
	Time              time.Time `json:"time"`
	LastPrice         float64   `json:"last_price"`
	BidPrices         []float64 `json:"bid_prices"`
	BidVolumes        []int     `json:"bid_volumes"`
	AskPrices         []float64 `json:"ask_prices"`
	AskVolumes        []int     `json:"ask_volumes"`
	TodayVolume       int64     `json:"today_volume"`
	TodayTurnover     float64   `json:"today_turnover"`
	TodayOpenInterest float64   `json:"today_open_interest"`
	Volume            int       `json:"volume"`
	Turnover          float64   `json:"turnover"`
	OpenInterest      float64   `json:"open_interest"`
	Status            string    `json:"status"`
	PreClose          float64   `json:"pre_close"`
	PreSettlePrice    float64   `json:"pre_settle_price"`
	HighLimitPrice    float64   `json:"high_limit_price"`
	LowLimitPrice     float64   `json:"low_limit_price"`
}

// subscribeMessage is sent to change the server-side code set.
type subscribeMessage struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	Codes     []string `json:"codes,omitempty"`
	All       bool     `json:"all,omitempty"`
}

// TickFeed manages one WebSocket tick stream. It handles connection
// lifecycle, subscription tracking, and automatic reconnection with
// exponential backoff; tracked codes are re-subscribed on reconnect.
type TickFeed struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool
	all          bool

	tickCh chan *types.Tick
}

// NewTickFeed creates a feed for the given WebSocket endpoint.
func NewTickFeed(wsURL string, logger *slog.Logger) *TickFeed {
	return &TickFeed{
		url:        wsURL,
		logger:     logger.With("component", "tick_feed"),
		subscribed: make(map[string]bool),
		tickCh:     make(chan *types.Tick, tickBufferSize),
	}
}

// Ticks returns the read-only tick channel.
func (f *TickFeed) Ticks() <-chan *types.Tick { return f.tickCh }

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff on failure.
func (f *TickFeed) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := f.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}
			continue
		}
		return nil
	}
}

func (f *TickFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		conn.Close()
	}()

	if err := f.resubscribe(); err != nil {
		return err
	}

	// Keep-alive pinger.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				f.writeControl(websocket.PingMessage)
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg tickMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			f.logger.Warn("bad tick message", "error", err)
			continue
		}
		tick := decodeTick(&msg)
		select {
		case f.tickCh <- tick:
		default:
			f.logger.Warn("tick channel full, dropping", "code", tick.Code)
		}
	}
}

func decodeTick(msg *tickMessage) *types.Tick {
	return &types.Tick{
		Code:              msg.Code,
		Time:              msg.Time,
		LastPrice:         msg.LastPrice,
		BidPrices:         msg.BidPrices,
		BidVolumes:        msg.BidVolumes,
		AskPrices:         msg.AskPrices,
		AskVolumes:        msg.AskVolumes,
		TodayVolume:       msg.TodayVolume,
		TodayTurnover:     msg.TodayTurnover,
		TodayOpenInterest: msg.TodayOpenInterest,
		Volume:            msg.Volume,
		Turnover:          msg.Turnover,
		OpenInterest:      msg.OpenInterest,
		Status:            types.MarketStatus(msg.Status),
		PreClose:          msg.PreClose,
		PreSettlePrice:    msg.PreSettlePrice,
		HighLimitPrice:    msg.HighLimitPrice,
		LowLimitPrice:     msg.LowLimitPrice,
	}
}

// Subscribe adds codes to the tracked set and informs the server.
func (f *TickFeed) Subscribe(codes []string) error {
	f.subscribedMu.Lock()
	for _, c := range codes {
		f.subscribed[c] = true
	}
	f.subscribedMu.Unlock()
	return f.send(subscribeMessage{Operation: "subscribe", Codes: codes})
}

// Unsubscribe removes codes from the tracked set and informs the server.
func (f *TickFeed) Unsubscribe(codes []string) error {
	f.subscribedMu.Lock()
	for _, c := range codes {
		delete(f.subscribed, c)
	}
	f.subscribedMu.Unlock()
	return f.send(subscribeMessage{Operation: "unsubscribe", Codes: codes})
}

// SubscribeAll switches to firehose mode.
func (f *TickFeed) SubscribeAll() error {
	f.subscribedMu.Lock()
	f.all = true
	f.subscribedMu.Unlock()
	return f.send(subscribeMessage{Operation: "subscribe", All: true})
}

// UnsubscribeAll leaves firehose mode and drops every tracked code.
func (f *TickFeed) UnsubscribeAll() error {
	f.subscribedMu.Lock()
	f.all = false
	f.subscribed = make(map[string]bool)
	f.subscribedMu.Unlock()
	return f.send(subscribeMessage{Operation: "unsubscribe", All: true})
}

// resubscribe restores the tracked set after a reconnect.
func (f *TickFeed) resubscribe() error {
	f.subscribedMu.RLock()
	all := f.all
	codes := make([]string, 0, len(f.subscribed))
	for c := range f.subscribed {
		codes = append(codes, c)
	}
	f.subscribedMu.RUnlock()

	if all {
		return f.send(subscribeMessage{Operation: "subscribe", All: true})
	}
	if len(codes) == 0 {
		return nil
	}
	return f.send(subscribeMessage{Operation: "subscribe", Codes: codes})
}

func (f *TickFeed) send(msg subscribeMessage) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; resubscribe will replay the tracked set.
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(msg)
}

func (f *TickFeed) writeControl(messageType int) {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return
	}
	f.conn.WriteControl(messageType, nil, time.Now().Add(writeTimeout))
}

// Close tears the connection down.
func (f *TickFeed) Close() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}
