package writer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comosim/comosim/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard, JSONOutput: true})
}

type collector struct {
	mu      sync.Mutex
	records []record
}

func (c *collector) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []record
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.records = append(c.records, batch...)
		c.mu.Unlock()
		w.Write([]byte(`{}`))
	}))
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestWriteAndDrainOnClose(t *testing.T) {
	c := &collector{}
	srv := c.server()
	defer srv.Close()

	w := NewHTTPResultWriter(srv.URL, DefaultConfig())
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WriteJSON(map[string]int{"i": i}))
	}
	require.NoError(t, w.Close())

	assert.Equal(t, 10, c.len())

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, rec := range c.records {
		assert.Equal(t, i, rec.Seqno, "seqno must be contiguous from zero")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	c := &collector{}
	srv := c.server()
	defer srv.Close()

	w := NewHTTPResultWriter(srv.URL, DefaultConfig())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteJSON("late"), ErrClosed)
}

func TestCloseWithoutWritesIsSafe(t *testing.T) {
	w := NewHTTPResultWriter("http://collector.invalid", DefaultConfig())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestBackpressureBlocksOverLimit(t *testing.T) {
	// collector stalls so the queue fills; the writer over the limit must
	// wait for space instead of appending
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	defer close(release)

	cfg := Config{QueueSize: 2, OverInterval: 10 * time.Millisecond}
	w := NewHTTPResultWriter(srv.URL, cfg)
	t.Cleanup(func() { w.Close() })

	// first write starts the poller, which grabs the whole queue and stalls;
	// fill past the limit afterwards
	require.NoError(t, w.WriteJSON(0))
	time.Sleep(20 * time.Millisecond)
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.WriteJSON(i))
	}

	blocked := make(chan error, 1)
	go func() { blocked <- w.WriteJSON(99) }()

	select {
	case <-blocked:
		t.Fatal("write over the queue limit returned without waiting")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvQueueSize, "7")
	t.Setenv(EnvOverInterval, "3")

	cfg := ConfigFromEnv()
	assert.Equal(t, 7, cfg.QueueSize)
	assert.Equal(t, 3*time.Second, cfg.OverInterval)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvQueueSize, "")
	t.Setenv(EnvOverInterval, "not-a-number")

	cfg := ConfigFromEnv()
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestFileResultWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.txt")
	w, err := NewFileResultWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteJSON(map[string]string{"eventType": "DEMAND"}))
	require.NoError(t, w.WriteJSON(map[string]string{"eventType": "RESERVED"}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"eventType\":\"DEMAND\"}\n{\"eventType\":\"RESERVED\"}\n", string(data))
}
