package db

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/events"
)

// EventWriter persists a batch of rows.
type EventWriter interface {
	InsertEvents(ctx context.Context, rows []EventRow) error
}

// Journal buffers every bus event and writes them in batches. It is best
// effort: a failed batch is logged and dropped so the bus never blocks on
// storage.
type Journal struct {
	writer        EventWriter
	batchSize     int
	flushInterval time.Duration
	logger        *zap.SugaredLogger

	mu      sync.Mutex
	buf     []EventRow
	full    chan struct{}
	dropped uint64
}

func NewJournal(writer EventWriter, batchSize int, flushInterval time.Duration, logger *zap.SugaredLogger) *Journal {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Journal{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		buf:           make([]EventRow, 0, batchSize),
		full:          make(chan struct{}, 1),
	}
}

// Attach journals every event published on bus.
func (j *Journal) Attach(bus *events.Bus) {
	bus.Subscribe(events.Wildcard, j.Handle)
}

func (j *Journal) Handle(e events.Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		j.logger.Warnw("Failed to encode event payload", "event", e.Name, "err", err)
		payload = []byte("{}")
	}
	j.mu.Lock()
	j.buf = append(j.buf, EventRow{
		ID:      e.ID.String(),
		Name:    e.Name,
		Subject: e.Subject,
		Payload: string(payload),
		At:      e.At.UTC(),
	})
	full := len(j.buf) >= j.batchSize
	j.mu.Unlock()

	if full {
		select {
		case j.full <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered rows.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buf)
}

// Dropped returns how many rows were lost to failed writes.
func (j *Journal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Flush writes everything buffered so far.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	rows := j.buf
	j.buf = make([]EventRow, 0, j.batchSize)
	j.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := j.writer.InsertEvents(ctx, rows); err != nil {
		j.mu.Lock()
		j.dropped += uint64(len(rows))
		j.mu.Unlock()
		j.logger.Errorw("Error inserting events", "rows", len(rows), "err", err)
		return err
	}
	j.logger.Debugw("Events journaled", "rows", len(rows))
	return nil
}

// Run flushes on every interval or when a batch fills, and once more on
// shutdown.
func (j *Journal) Run(ctx context.Context) {
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			j.Flush(final)
			cancel()
			return
		case <-ticker.C:
			j.Flush(ctx)
		case <-j.full:
			j.Flush(ctx)
		}
	}
}
