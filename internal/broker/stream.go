package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
)

// streamMessage is the wire shape of a Noren touchline update. Every field is
// optional; malformed or partial updates are tolerated and dropped when the
// essentials are missing.
type streamMessage struct {
	Type      string `json:"t"`
	Symbol    string `json:"ts"`
	LastPrice string `json:"lp"`
	Volume    string `json:"v"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	FeedTime  string `json:"ft"` // epoch seconds
}

// SubscribeTicks connects the WebSocket stream, subscribes the symbols, and
// delivers parsed ticks until the context is cancelled. The connection is
// re-established with backoff on failure; the channel closes only when ctx
// ends.
func (b *NorenBroker) SubscribeTicks(ctx context.Context, symbols []string) (<-chan domain.Tick, error) {
	out := make(chan domain.Tick, 256)

	go func() {
		defer close(out)
		backoff := time.Second
		for {
			if err := b.streamOnce(ctx, symbols, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Warn("tick stream dropped, reconnecting", "error", err, "backoff", backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()

	return out, nil
}

// streamOnce runs a single WebSocket session: connect, authenticate,
// subscribe, then pump messages until the connection breaks or ctx ends.
func (b *NorenBroker) streamOnce(ctx context.Context, symbols []string, out chan<- domain.Tick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.cfg.StreamURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	auth := map[string]string{
		"t":          "c",
		"uid":        b.cfg.UserID,
		"actid":      b.cfg.UserID,
		"susertoken": b.sessionToken,
		"source":     "API",
	}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}

	for _, sym := range symbols {
		sub := map[string]string{"t": "t", "k": b.cfg.Exchange + "|" + sym}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}
	b.log.Info("tick stream subscribed", "symbols", symbols)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.log.Debug("dropping unparseable stream message", "error", err)
			continue
		}
		if msg.Type != "tf" && msg.Type != "tk" {
			continue
		}

		tick := domain.Tick{
			Symbol:    msg.Symbol,
			LastPrice: parseFloat(msg.LastPrice),
			Volume:    int64(parseFloat(msg.Volume)),
			Open:      parseFloat(msg.Open),
			High:      parseFloat(msg.High),
			Low:       parseFloat(msg.Low),
			Close:     parseFloat(msg.Close),
			Timestamp: time.Now(),
		}
		if ft := parseFloat(msg.FeedTime); ft > 0 {
			tick.Timestamp = time.Unix(int64(ft), 0)
		}
		if !tick.Valid() {
			continue
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
