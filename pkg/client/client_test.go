package client

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comosim/comosim/pkg/types"
)

func TestPeekDecodesSentinel(t *testing.T) {
	tests := []struct {
		name string
		next float64
		want float64
	}{
		{name: "finite", next: 480, want: 480},
		{name: "idle sentinel", next: -1, want: math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/peek", r.URL.Path)
				json.NewEncoder(w).Encode(types.PeekResponse{Next: tt.next})
			}))
			defer srv.Close()

			next, err := New(srv.URL, nil).Peek(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}
}

func TestStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/step", r.URL.Path)
		json.NewEncoder(w).Encode(types.StepResponse{
			Now: 490,
			Events: []types.Event{
				{Type: types.EventDeparted, Time: 490},
			},
		})
	}))
	defer srv.Close()

	step, err := New(srv.URL, nil).Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 490.0, step.Now)
	require.Len(t, step.Events, 1)
	assert.Equal(t, types.EventDeparted, step.Events[0].Type)
}

func TestTriggeredPostsEvent(t *testing.T) {
	var received types.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/triggered", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ev := types.Event{Type: types.EventDemand, Time: 480, Source: "scenario"}
	require.NoError(t, New(srv.URL, nil).Triggered(context.Background(), ev))
	assert.Equal(t, ev.Type, received.Type)
	assert.Equal(t, ev.Source, received.Source)
}

func TestNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad settings", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, nil).Setup(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.False(t, statusErr.Retriable())
}

func TestServerErrorsAreRetriable(t *testing.T) {
	err := &StatusError{Code: http.StatusServiceUnavailable}
	assert.True(t, err.Retriable())
}

func TestProbeAcceptsHealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spec", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL, nil).Probe(context.Background()))
}

func TestProbeRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL, nil).Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestProbeFailsOnDeadEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	assert.Error(t, New(srv.URL, nil).Probe(context.Background()))
}
