package chain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// headFeed keeps an eth_subscribe("newHeads") stream alive against a
// node websocket endpoint, reconnecting and resubscribing on failure.
type headFeed struct {
	url            string
	reconnectDelay time.Duration
	log            *zap.Logger

	nextID atomic.Uint64

	mu   sync.Mutex
	conn *websocket.Conn
}

func newHeadFeed(url string, reconnectDelay time.Duration, log *zap.Logger) *headFeed {
	return &headFeed{url: url, reconnectDelay: reconnectDelay, log: log}
}

func (f *headFeed) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := f.connectAndSubscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("head feed connect failed", zap.Error(err))
		} else {
			err := f.readLoop(ctx, handler)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logReadLoopError(err)
		}
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *headFeed) connectAndSubscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err != nil {
			return err
		}
		f.conn = conn
	}
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      f.nextID.Add(1),
		"method":  "eth_subscribe",
		"params":  []any{"newHeads"},
	}
	return writeJSON(ctx, f.conn, req)
}

func (f *headFeed) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("head feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (f *headFeed) logReadLoopError(err error) {
	if f.log == nil {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		f.log.Info("head feed stream ended", zap.Error(err))
		return
	}
	f.log.Warn("head feed stream ended", zap.Error(err))
}

func (f *headFeed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
