package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"main/internal/schema"
	"main/pkg/exception"
)

// StreamConfig configures a live websocket feed.
type StreamConfig struct {
	URL     string
	Symbols []string
	Buffer  int
}

// Stream is a websocket tick source. One trade stream is subscribed per
// configured symbol; frames for unknown symbols are dropped.
type Stream struct {
	cfg      StreamConfig
	wss      *ws.WebSocket
	registry *schema.Registry
	ticks    chan schema.Tick
	now      func() int64
}

// NewStream creates a live feed bound to the registry's instruments.
func NewStream(ctx context.Context, cfg StreamConfig, registry *schema.Registry, now func() int64) *Stream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	return &Stream{
		cfg:      cfg,
		wss:      ws.New(ctx, cfg.URL),
		registry: registry,
		ticks:    make(chan schema.Tick, cfg.Buffer),
		now:      now,
	}
}

// Ticks returns the outbound tick channel.
func (s *Stream) Ticks() <-chan schema.Tick {
	return s.ticks
}

// Close tears down the websocket.
func (s *Stream) Close() {
	s.wss.Close()
}

type streamSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type streamSubscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

type streamTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// Run connects, subscribes every configured symbol, and pumps trades into
// the tick channel until the context is done. The tick channel is closed on
// return so consumers can range over it.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.ticks)
	if err := s.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	for _, symbol := range s.cfg.Symbols {
		if err := s.subscribeTrades(ctx, symbol); err != nil {
			return errors.Wrap(err, "subscribe trades").With("symbol", symbol)
		}
	}

	ch, cancel := s.wss.Subscribe()
	defer cancel()
	for {
		select {
		case <-sys.Shutdown():
			return nil
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return exception.ErrFeedClosed
			}

			trade, ok := ws.ReadMessage[streamTrade](m)
			if !ok || trade.EventType != "trade" {
				continue
			}
			tick, err := s.convert(trade)
			if err != nil {
				logs.Errorf("convert trade frame, err: %+v", err)
				continue
			}

			select {
			case s.ticks <- tick:
			default:
				// slow consumer, drop
			}
		}
	}
}

func (s *Stream) subscribeTrades(ctx context.Context, symbol string) error {
	appendIntoRegister := true
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := streamSubscribeRequest{
				Method: "SUBSCRIBE",
				Params: []string{
					fmt.Sprintf("%s@trade", strings.ToLower(symbol)),
				},
				ID: 1,
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			var resp streamSubscribeResponse
			if err := m.Unmarshal(&resp); err != nil || resp.ID != 1 {
				return false, nil
			}

			if resp.Result != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

func (s *Stream) convert(trade streamTrade) (schema.Tick, error) {
	id, ok := s.registry.InstrumentIDBySymbol(trade.Symbol)
	if !ok {
		return schema.Tick{}, exception.ErrFeedUnknownSymbol
	}
	inst, _ := s.registry.Instrument(id)

	price, err := ParsePrice(trade.Price)
	if err != nil {
		return schema.Tick{}, err
	}
	size, err := ParseQuantity(trade.Quantity, inst.BaseDecimals)
	if err != nil {
		return schema.Tick{}, err
	}

	return schema.Tick{
		InstrumentID: id,
		Price:        price,
		Size:         size,
		TsVenue:      trade.TradeTime * int64(1_000_000),
		TsRecv:       s.now(),
	}, nil
}
