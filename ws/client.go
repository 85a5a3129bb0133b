package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/utils"
)

const (
	HeartbeatInterval = 10 * time.Second
	HandshakeTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
}

type message struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Params *struct {
		Result struct {
			Slot   uint64 `json:"slot"`
			Parent uint64 `json:"parent"`
			Root   uint64 `json:"root"`
		} `json:"result"`
		Subscription uint64 `json:"subscription"`
	} `json:"params,omitempty"`
}

// SlotWatcher follows the ledger's slot over a slotSubscribe stream and
// reconnects with exponential backoff until its context ends.
type SlotWatcher struct {
	url     string
	Headers map[string]string
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu   sync.RWMutex
	slot uint64
	at   time.Time
}

func NewSlotWatcher(url string, headers map[string]string, logger *zap.SugaredLogger) *SlotWatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SlotWatcher{url: url, Headers: headers, logger: logger, now: time.Now}
}

// Latest returns the newest slot and when it arrived.
func (w *SlotWatcher) Latest() (uint64, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.slot, w.at
}

func (w *SlotWatcher) getHttpHeaders() http.Header {
	headers := http.Header{}
	for key, value := range w.Headers {
		headers.Set(key, value)
	}
	return headers
}

// Run keeps a subscription open until ctx is done.
func (w *SlotWatcher) Run(ctx context.Context) error {
	retry := utils.NewExponentialBackoff()
	operation := func() error {
		err := w.session(ctx, retry.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(retry, ctx),
		func(err error, d time.Duration) {
			w.logger.Warnw("Slot stream lost, reconnecting", "err", err, "retry_in", d)
		})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection. healthy is called once the first slot
// arrives so the next outage starts from the initial backoff.
func (w *SlotWatcher) session(ctx context.Context, healthy func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, w.getHttpHeaders())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return fn()
	}

	if err := write(func() error {
		return conn.WriteJSON(subscribeRequest{JSONRPC: "2.0", ID: 1, Method: "slotSubscribe"})
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := write(func() error {
					return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				}); err != nil {
					w.logger.Warnw("Failed to send heartbeat", "err", err)
					conn.Close()
					return
				}
			}
		}
	}()

	first := true
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("error reading message: %w", err)
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.logger.Debugw("Ignoring undecodable frame", "err", err)
			continue
		}
		if msg.Error != nil {
			return backoff.Permanent(fmt.Errorf("slotSubscribe rejected: %d %s", msg.Error.Code, msg.Error.Message))
		}
		if msg.Method != "slotNotification" || msg.Params == nil {
			continue
		}
		w.observe(msg.Params.Result.Slot)
		if first {
			first = false
			healthy()
			w.logger.Infow("Slot stream connected", "slot", msg.Params.Result.Slot)
		}
	}
}

func (w *SlotWatcher) observe(slot uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if slot >= w.slot {
		w.slot = slot
		w.at = w.now()
	}
}
