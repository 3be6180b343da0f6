package writer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/metrics"
	"github.com/comosim/comosim/pkg/types"
)

// ResultWriter is a sink for simulation result records
type ResultWriter interface {
	WriteJSON(record any) error
	Close() error
}

// Config tunes the buffered HTTP writer
type Config struct {
	// QueueSize is the buffered record limit; writers over it block
	QueueSize int
	// OverInterval is how often a blocked writer re-checks the queue
	OverInterval time.Duration
}

// Environment variables controlling the writer
const (
	EnvQueueSize    = "RESULT_WRITER_QUEUE_SIZE"
	EnvOverInterval = "RESULT_WRITER_OVER_INTERVAL"
)

// DefaultConfig returns the reference values: 500 records, 1 s interval
func DefaultConfig() Config {
	return Config{QueueSize: 500, OverInterval: time.Second}
}

// ConfigFromEnv reads the writer tuning from the environment, falling back
// to the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv(EnvQueueSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueSize = n
		}
	}
	if v := os.Getenv(EnvOverInterval); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OverInterval = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// ErrClosed is returned by writes after Close
var ErrClosed = errors.New("result writer is closed")

// record is one queued entry: a sequence number and the payload
type record struct {
	Seqno int `json:"seqno"`
	Data  any `json:"data"`
}

// HTTPResultWriter buffers records in memory and posts them in batches to a
// collector URL from a background loop. When the buffer exceeds its limit
// the producer blocks, re-checking at a fixed interval, so a slow collector
// applies backpressure instead of growing the heap without bound.
type HTTPResultWriter struct {
	url    string
	cfg    Config
	http   *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []record
	seq     int
	closed  bool
	started bool
	wake    chan struct{}
	done    chan struct{}
}

// NewHTTPResultWriter creates a writer posting to url
func NewHTTPResultWriter(url string, cfg Config) *HTTPResultWriter {
	if cfg.QueueSize <= 0 {
		cfg = DefaultConfig()
	}
	return &HTTPResultWriter{
		url:    url,
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: log.WithComponent("result-writer"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// WriteJSON queues one record, blocking while the buffer is over its limit
func (w *HTTPResultWriter) WriteJSON(data any) error {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return ErrClosed
		}
		if len(w.queue) <= w.cfg.QueueSize {
			if !w.started {
				w.started = true
				go w.polling()
			}
			w.queue = append(w.queue, record{Seqno: w.seq, Data: data})
			w.seq++
			metrics.WriterQueueSize.Set(float64(len(w.queue)))
			w.mu.Unlock()
			select {
			case w.wake <- struct{}{}:
			default:
			}
			return nil
		}
		size := len(w.queue)
		w.mu.Unlock()
		w.logger.Warn().
			Int("queue_size", size).
			Int("limit", w.cfg.QueueSize).
			Msg("Result queue over limit, waiting")
		time.Sleep(w.cfg.OverInterval)
	}
}

// Consume drains a live event subscription into the writer until the
// channel closes or the writer does.
func (w *HTTPResultWriter) Consume(events <-chan types.Event) {
	go func() {
		for ev := range events {
			if err := w.WriteJSON(ev); err != nil {
				return
			}
		}
	}()
}

// Close stops the background loop after it has drained the remaining
// records.
func (w *HTTPResultWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	if started {
		<-w.done
	}
	return nil
}

// polling is the background send loop: post batches while open, then a
// final non-blocking drain once closed.
func (w *HTTPResultWriter) polling() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		metrics.WriterQueueSize.Set(0)
		w.mu.Unlock()

		if len(batch) > 0 {
			if err := w.post(batch); err != nil {
				w.logger.Error().Err(err).Int("records", len(batch)).Msg("Failed to post result batch")
			}
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *HTTPResultWriter) post(batch []record) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	resp, err := w.http.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	metrics.WriterBatchesSent.Inc()
	return nil
}

// FileResultWriter appends records as newline-delimited JSON to a file
type FileResultWriter struct {
	mu sync.Mutex
	fp *os.File
}

// NewFileResultWriter opens (truncating) the output file
func NewFileResultWriter(path string) (*FileResultWriter, error) {
	fp, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	return &FileResultWriter{fp: fp}, nil
}

// WriteJSON appends one record as a JSON line
func (w *FileResultWriter) WriteJSON(data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	enc := json.NewEncoder(w.fp)
	return enc.Encode(data)
}

// Close closes the underlying file
func (w *FileResultWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fp.Close()
}
