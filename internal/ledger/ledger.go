// Package ledger is the async usage and error recorder. Enqueues never
// block the request path: each queue is a bounded channel that drops its
// oldest record under overflow, and a small writer pool drains to the
// persistent store.
package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bridgecore/gateway/internal/metrics"
	"github.com/bridgecore/gateway/internal/store"
)

// Writer is the slice of the store the ledger writes through.
type Writer interface {
	InsertUsageRecord(ctx context.Context, r *store.UsageRecord) error
	InsertErrorRecord(ctx context.Context, r *store.ErrorRecord) error
}

// Config tunes the ledger.
type Config struct {
	QueueDepth int
	Writers    int
}

// Ledger owns the two bounded queues and their writer pool.
type Ledger struct {
	writer  Writer
	metrics *metrics.Metrics

	usageQ chan *store.UsageRecord
	errorQ chan *store.ErrorRecord

	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *log.Logger

	// Throttles write-failure logging to one line per interval so a dead
	// database cannot flood the log.
	failMu   sync.Mutex
	failLast time.Time
	failN    int
}

const failLogInterval = time.Minute

// New creates the ledger and starts its writer pool.
func New(w Writer, m *metrics.Metrics, cfg Config) *Ledger {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16384
	}
	if cfg.Writers <= 0 {
		cfg.Writers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		writer:  w,
		metrics: m,
		usageQ:  make(chan *store.UsageRecord, cfg.QueueDepth),
		errorQ:  make(chan *store.ErrorRecord, cfg.QueueDepth),
		cancel:  cancel,
		logger:  log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}

	for i := 0; i < cfg.Writers; i++ {
		l.wg.Add(2)
		go l.drainUsage(ctx)
		go l.drainErrors(ctx)
	}
	return l
}

// RecordUsage enqueues a usage row. Under overflow the oldest queued
// record is dropped so recent data survives a stalled store.
func (l *Ledger) RecordUsage(rec *store.UsageRecord) {
	select {
	case l.usageQ <- rec:
	default:
		select {
		case <-l.usageQ:
			l.metrics.DroppedRecords.WithLabelValues("usage").Inc()
		default:
		}
		select {
		case l.usageQ <- rec:
		default:
			l.metrics.DroppedRecords.WithLabelValues("usage").Inc()
		}
	}
	l.metrics.QueueDepth.WithLabelValues("usage").Set(float64(len(l.usageQ)))
}

// RecordError enqueues an error row with the same drop-oldest policy.
func (l *Ledger) RecordError(rec *store.ErrorRecord) {
	select {
	case l.errorQ <- rec:
	default:
		select {
		case <-l.errorQ:
			l.metrics.DroppedRecords.WithLabelValues("error").Inc()
		default:
		}
		select {
		case l.errorQ <- rec:
		default:
			l.metrics.DroppedRecords.WithLabelValues("error").Inc()
		}
	}
	l.metrics.QueueDepth.WithLabelValues("error").Set(float64(len(l.errorQ)))
}

func (l *Ledger) drainUsage(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-l.usageQ:
			l.metrics.QueueDepth.WithLabelValues("usage").Set(float64(len(l.usageQ)))
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.writer.InsertUsageRecord(wctx, rec)
			cancel()
			if err != nil {
				l.noteFailure(err)
			}
		}
	}
}

func (l *Ledger) drainErrors(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-l.errorQ:
			l.metrics.QueueDepth.WithLabelValues("error").Set(float64(len(l.errorQ)))
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := l.writer.InsertErrorRecord(wctx, rec)
			cancel()
			if err != nil {
				l.noteFailure(err)
			}
		}
	}
}

func (l *Ledger) noteFailure(err error) {
	l.failMu.Lock()
	defer l.failMu.Unlock()
	l.failN++
	if time.Since(l.failLast) < failLogInterval {
		return
	}
	l.logger.Printf("ledger write failed (%d since last report): %v", l.failN, err)
	l.failLast = time.Now()
	l.failN = 0
}

// Close stops the writer pool after draining what it can within grace.
func (l *Ledger) Close(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for (len(l.usageQ) > 0 || len(l.errorQ) > 0) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	l.cancel()
	l.wg.Wait()
}
