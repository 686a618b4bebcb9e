// Package relay pumps newline-delimited records from a reader to a writer
// through a queue, with one producer and one consumer goroutine.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/spoolq/internal/logging"
)

const (
	defaultPollInterval  = 10 * time.Millisecond
	defaultMaxRecordSize = 1024 * 1024
)

// ErrRecordTooLarge is returned when a record is rejected by an empty queue
// and so can never be pushed.
var ErrRecordTooLarge = errors.New("record does not fit in an empty queue")

// Queue is the subset of *queue.Queue the relay drives.
type Queue interface {
	Push(payload []byte) (bool, error)
	Pop() ([]byte, error)
	IsEmpty() bool
}

// Options configures a relay run.
type Options struct {
	// PollInterval is how long the producer waits after a rejected push and the
	// consumer waits on an empty queue (default: 10ms).
	PollInterval time.Duration
	// MaxRecordSize bounds a single input line (default: 1MiB).
	MaxRecordSize int
	// Name labels the relay in logs and metrics.
	Name string
}

// Stats summarizes a relay run.
type Stats struct {
	Received  int64 // records read from the input and pushed
	Delivered int64 // records popped and written to the output
	Rejected  int64 // pushes rejected because the queue was full
}

// Run reads records from in, pushes them to q, and writes popped records to
// out, each followed by a newline. Empty lines are skipped. Run returns when
// the input is exhausted and the queue is drained, or when ctx is cancelled.
// If in is an io.Closer it is closed on cancellation to unblock the reader.
func Run(ctx context.Context, q Queue, in io.Reader, out io.Writer, opts Options) (Stats, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxRecordSize <= 0 {
		opts.MaxRecordSize = defaultMaxRecordSize
	}
	if opts.Name == "" {
		opts.Name = "relay"
	}

	var (
		received, delivered, rejected atomic.Int64
		finished                      atomic.Bool
		closeOnce                     sync.Once
	)
	producerDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, func() {
		if finished.Load() {
			return
		}
		if c, ok := in.(io.Closer); ok {
			closeOnce.Do(func() { _ = c.Close() })
		}
	})
	defer stop()

	logging.Info("relay started", logging.F(
		"relay", opts.Name,
		"poll_interval", opts.PollInterval.String(),
		"max_record_size", opts.MaxRecordSize,
	))
	start := time.Now()

	// Producer
	g.Go(func() error {
		defer close(producerDone)

		scanner := bufio.NewScanner(in)
		initial := 64 * 1024
		if opts.MaxRecordSize < initial {
			initial = opts.MaxRecordSize
		}
		scanner.Buffer(make([]byte, 0, initial), opts.MaxRecordSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			for {
				ok, err := q.Push(line)
				if err != nil {
					return fmt.Errorf("push record %d: %w", received.Load()+1, err)
				}
				if ok {
					break
				}
				if q.IsEmpty() {
					// only this goroutine adds records, so a second rejection is final
					if ok, err = q.Push(line); err != nil {
						return fmt.Errorf("push record %d: %w", received.Load()+1, err)
					}
					if ok {
						break
					}
					return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(line))
				}
				rejected.Add(1)
				relayRejectedTotal.WithLabelValues(opts.Name).Inc()
				if err := wait(gctx, opts.PollInterval); err != nil {
					return err
				}
			}
			received.Add(1)
			relayRecordsTotal.WithLabelValues(opts.Name, "in").Inc()
		}
		if err := scanner.Err(); err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return fmt.Errorf("read input: %w", err)
		}
		return nil
	})

	// Consumer
	g.Go(func() error {
		for {
			// checked before Pop: every push happened before producerDone closed
			done := false
			select {
			case <-producerDone:
				done = true
			default:
			}

			data, err := q.Pop()
			if err != nil {
				return fmt.Errorf("pop record %d: %w", delivered.Load()+1, err)
			}
			if data == nil {
				if done {
					finished.Store(true)
					return nil
				}
				if err := wait(gctx, opts.PollInterval); err != nil {
					return err
				}
				continue
			}

			if _, err := out.Write(append(data, '\n')); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			delivered.Add(1)
			relayRecordsTotal.WithLabelValues(opts.Name, "out").Inc()
		}
	})

	err := g.Wait()
	stats := Stats{
		Received:  received.Load(),
		Delivered: delivered.Load(),
		Rejected:  rejected.Load(),
	}

	fields := logging.F(
		"relay", opts.Name,
		"received", stats.Received,
		"delivered", stats.Delivered,
		"rejected", stats.Rejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if err != nil {
		fields["error"] = err.Error()
		logging.Warn("relay stopped", fields)
		return stats, err
	}
	logging.Info("relay finished", fields)
	return stats, nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
