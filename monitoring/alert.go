package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
	"github.com/PhotizoAi/percolator-launch-sub002/metrics"
)

// Alert is one outbound notification.
type Alert struct {
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Alerter delivers alerts to an operator-facing sink.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// NopAlerter drops everything. It stands in for an unconfigured sink.
type NopAlerter struct{}

func (NopAlerter) Send(context.Context, Alert) error { return nil }

// MultiAlerter fans out to every sink and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookAlerter POSTs the alert as JSON.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookAlerter) Send(ctx context.Context, a Alert) error {
	return postJSON(ctx, w.client, w.url, a)
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}

// AlertQueueSize bounds the alerts waiting for delivery.
const AlertQueueSize = 64

// AlertRelay forwards monitor alerts from the bus to a sink. Handle only
// enqueues; Run delivers in order on its own goroutine, each send under its
// own timeout. Alerts arriving while the queue is full are dropped and
// counted.
type AlertRelay struct {
	sink    Alerter
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	queue   chan Alert
	dropped atomic.Uint64
}

func NewAlertRelay(sink Alerter, timeout time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) *AlertRelay {
	if sink == nil {
		sink = NopAlerter{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AlertRelay{
		sink:    sink,
		timeout: timeout,
		metrics: m,
		logger:  logger,
		queue:   make(chan Alert, AlertQueueSize),
	}
}

func (r *AlertRelay) Attach(bus *events.Bus) {
	bus.Subscribe(events.AlertFired, r.Handle)
	bus.Subscribe(events.AlertRecovered, r.Handle)
}

func (r *AlertRelay) Handle(e events.Event) {
	a := Alert{Severity: SeverityWarning, Message: e.Name + " " + e.Subject, Fields: map[string]interface{}{}}
	for k, v := range e.Payload {
		switch k {
		case "severity":
			if s, ok := v.(string); ok {
				a.Severity = Severity(s)
			}
		case "message":
			if s, ok := v.(string); ok {
				a.Message = s
			}
		default:
			a.Fields[k] = v
		}
	}
	a.Fields["operation"] = e.Subject

	select {
	case r.queue <- a:
	default:
		r.dropped.Add(1)
		r.logger.Warnw("Alert queue full, dropping alert", "op", e.Subject, "severity", a.Severity)
	}
}

// Dropped returns how many alerts were lost to a full queue.
func (r *AlertRelay) Dropped() uint64 {
	return r.dropped.Load()
}

// Run delivers queued alerts until ctx is done.
func (r *AlertRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-r.queue:
			r.deliver(a)
		}
	}
}

func (r *AlertRelay) deliver(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Send(ctx, a); err != nil {
		r.logger.Warnw("Failed to deliver alert", "op", a.Fields["operation"], "severity", a.Severity, "err", err)
		return
	}
	r.metrics.Alert(string(a.Severity))
}

// ExceptionReporter receives programmer errors caught at loop boundaries.
type ExceptionReporter interface {
	Report(ctx context.Context, err error, fields map[string]interface{})
}

type NopReporter struct{}

func (NopReporter) Report(context.Context, error, map[string]interface{}) {}

// HTTPReporter posts exceptions as JSON to an error-tracking endpoint.
type HTTPReporter struct {
	url    string
	client *http.Client
	host   string
	logger *zap.SugaredLogger
}

func NewHTTPReporter(url string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPReporter {
	host, _ := os.Hostname()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPReporter{url: url, client: &http.Client{Timeout: timeout}, host: host, logger: logger}
}

type exceptionBody struct {
	Error  string                 `json:"error"`
	Host   string                 `json:"host"`
	At     time.Time              `json:"at"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

func (h *HTTPReporter) Report(ctx context.Context, err error, fields map[string]interface{}) {
	body := exceptionBody{Error: err.Error(), Host: h.host, At: time.Now().UTC(), Fields: fields}
	if perr := postJSON(ctx, h.client, h.url, body); perr != nil {
		h.logger.Warnw("Failed to report exception", "err", perr)
	}
}
