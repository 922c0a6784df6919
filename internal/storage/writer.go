package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"remedy-engine/internal/audit"
	"remedy-engine/internal/telemetry"
)

type auditInserter interface {
	InsertAudit(ctx context.Context, rec *audit.Record) error
}

// AuditWriter is an audit.Sink that buffers records and writes them to
// PostgreSQL in the background. A full buffer drops records rather than
// blocking the caller.
type AuditWriter struct {
	db      auditInserter
	metrics *telemetry.Metrics
	ch      chan audit.Record
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration
}

func NewAuditWriter(db *DB, bufferSize int, metrics *telemetry.Metrics) *AuditWriter {
	return newAuditWriter(db, bufferSize, metrics)
}

func newAuditWriter(db auditInserter, bufferSize int, metrics *telemetry.Metrics) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &AuditWriter{
		db:      db,
		metrics: metrics,
		ch:      make(chan audit.Record, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Append queues a record for writing.
func (w *AuditWriter) Append(rec audit.Record) {
	select {
	case w.ch <- rec:
	default:
		w.metrics.RecordAuditDrop()
		log.Warn().Str("audit_id", rec.ID).Str("action", rec.Action).Msg("audit buffer full, dropping record")
	}
}

// Flush stops the writer after draining queued records, waiting at most timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case rec := <-w.ch:
			w.writeWithRetry(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					w.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(rec audit.Record) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.InsertAudit(ctx, &rec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("audit_id", rec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("audit_id", rec.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
