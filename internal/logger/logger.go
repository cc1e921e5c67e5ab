// Package logger implements a non-blocking, batched dispatch event logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the dispatch hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedEvents.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// DispatchEvent is one completed dispatch decision.
type DispatchEvent struct {
	ID           uuid.UUID
	Alias        string
	Identity     string
	Admitted     bool
	RetryAfterMs uint32
	LatencyMs    uint16
	Status       uint16
	CreatedAt    time.Time
}

type Logger struct {
	ch        chan DispatchEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan DispatchEvent, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry DispatchEvent) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedEvents, 1)
	}
}

func (l *Logger) DroppedEvents() int64 {
	return atomic.LoadInt64(&l.droppedEvents)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]DispatchEvent, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "dispatch",
				slog.String("id", e.ID.String()),
				slog.String("alias", e.Alias),
				slog.String("identity", e.Identity),
				slog.Bool("admitted", e.Admitted),
				slog.Uint64("retry_after_ms", uint64(e.RetryAfterMs)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
