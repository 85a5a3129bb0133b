package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the part of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder republishes every bus event as JSON on
// "<prefix>.<event name>". Publish failures are logged and dropped.
type NATSForwarder struct {
	pub    Publisher
	prefix string
	logger *zap.SugaredLogger
}

func NewNATSForwarder(pub Publisher, prefix string, logger *zap.SugaredLogger) *NATSForwarder {
	if prefix == "" {
		prefix = "keeper"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NATSForwarder{pub: pub, prefix: prefix, logger: logger}
}

// Attach subscribes the forwarder to every event on bus.
func (f *NATSForwarder) Attach(bus *Bus) {
	bus.Subscribe(Wildcard, f.Handle)
}

func (f *NATSForwarder) Handle(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		f.logger.Errorw("Failed to encode event for NATS", "event", e.Name, "err", err)
		return
	}
	subject := f.prefix + "." + e.Name
	if err := f.pub.Publish(subject, data); err != nil {
		f.logger.Warnw("Failed to publish event to NATS", "subject", subject, "err", err)
	}
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string, logger *zap.SugaredLogger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("percolator-keeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnw("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
}
