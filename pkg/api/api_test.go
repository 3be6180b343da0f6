package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comosim/comosim/pkg/broker"
	"github.com/comosim/comosim/pkg/dispatch"
	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/simulation"
	"github.com/comosim/comosim/pkg/spec"
	"github.com/comosim/comosim/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard, JSONOutput: true})
}

// echoSim is a minimal simulator for surface tests: one scheduled tick that
// emits a single event.
type echoSim struct {
	rt       *simulation.Runtime
	configed bool
	finished bool
}

func newEchoSim() *echoSim {
	return &echoSim{rt: simulation.NewRuntime()}
}

func (s *echoSim) Spec() *types.ServiceSpec {
	return spec.NewBuilder().
		Declare(types.EventDemand, "demand_id").
		Spec(types.VersionLatest)
}

func (s *echoSim) Setup(settings json.RawMessage) error {
	var cfg struct {
		At float64 `json:"at"`
	}
	if err := json.Unmarshal(settings, &cfg); err != nil {
		return err
	}
	if cfg.At < 0 {
		return fmt.Errorf("tick must not be negative")
	}
	_, err := s.rt.Queue().Schedule(cfg.At, func() {
		_ = s.rt.Emit(types.EventDemand, types.DemandDetails{UserID: "User1"})
	})
	s.configed = err == nil
	return err
}

func (s *echoSim) Start() error { return nil }

func (s *echoSim) Peek() float64 { return s.rt.Peek() }

func (s *echoSim) Step() (float64, []types.Event, error) { return s.rt.Step() }

func (s *echoSim) Triggered(event types.Event) error { return s.rt.Advance(event) }

func (s *echoSim) Finish() error {
	s.finished = true
	return nil
}

func serviceServer(t *testing.T, sim simulation.Simulator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServiceHandler("echo", sim).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestServicePeekUsesSentinel(t *testing.T) {
	srv := serviceServer(t, newEchoSim())

	resp, err := http.Get(srv.URL + "/peek")
	require.NoError(t, err)
	defer resp.Body.Close()

	var peek types.PeekResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peek))
	assert.Equal(t, -1.0, peek.Next, "an empty queue peeks the -1 sentinel")
}

func TestServiceStepOnEmptyQueueIsError(t *testing.T) {
	srv := serviceServer(t, newEchoSim())

	resp, err := http.Post(srv.URL+"/step", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServiceSetupStepFlow(t *testing.T) {
	srv := serviceServer(t, newEchoSim())

	resp, err := http.Post(srv.URL+"/setup", "application/json", strings.NewReader(`{"at": 42}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/peek")
	require.NoError(t, err)
	var peek types.PeekResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peek))
	resp.Body.Close()
	assert.Equal(t, 42.0, peek.Next)

	resp, err = http.Post(srv.URL+"/step", "application/json", nil)
	require.NoError(t, err)
	var step types.StepResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&step))
	resp.Body.Close()
	assert.Equal(t, 42.0, step.Now)
	require.Len(t, step.Events, 1)
	assert.Equal(t, types.EventDemand, step.Events[0].Type)
}

func TestServiceSetupRejectsBadSettings(t *testing.T) {
	srv := serviceServer(t, newEchoSim())

	resp, err := http.Post(srv.URL+"/setup", "application/json", strings.NewReader(`{"at": -5}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceTriggeredRejectsPastEvent(t *testing.T) {
	sim := newEchoSim()
	require.NoError(t, sim.rt.Queue().AdvanceTo(100))
	srv := serviceServer(t, sim)

	body, err := json.Marshal(types.Event{Type: types.EventDemand, Time: 50})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/triggered", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func brokerServer(t *testing.T) (*httptest.Server, *broker.Broker) {
	t.Helper()
	b := broker.New(nil, dispatch.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	srv := httptest.NewServer(NewBrokerHandler(b).Router())
	t.Cleanup(srv.Close)
	return srv, b
}

func TestBrokerSetupRejectsMalformedBody(t *testing.T) {
	srv, _ := brokerServer(t)

	resp, err := http.Post(srv.URL+"/setup", "application/json", strings.NewReader(`{"services": [`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBrokerSetupNamesTheUnsatisfiedFeature(t *testing.T) {
	// producer declares demand_id only; the consumer also requires
	// pre_reserve
	producer := http.NewServeMux()
	producer.HandleFunc("GET /spec", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ServiceSpec{
			Version: types.VersionLatest,
			Events:  []types.EventFeature{{Type: types.EventDemand, Declared: []string{"demand_id"}}},
		})
	})
	producerSrv := httptest.NewServer(producer)
	t.Cleanup(producerSrv.Close)

	consumer := http.NewServeMux()
	consumer.HandleFunc("GET /spec", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.ServiceSpec{
			Version: types.VersionLatest,
			Events:  []types.EventFeature{{Type: types.EventDemand, Required: []string{"demand_id", "pre_reserve"}}},
		})
	})
	consumerSrv := httptest.NewServer(consumer)
	t.Cleanup(consumerSrv.Close)

	srv, _ := brokerServer(t)
	body, err := json.Marshal(SetupRequest{Services: []*types.ServiceDescriptor{
		{Name: "scenario", Endpoint: producerSrv.URL},
		{Name: "user", Endpoint: consumerSrv.URL},
	}})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/setup", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	msg, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, needle := range []string{"user", "DEMAND", "pre_reserve"} {
		assert.Contains(t, string(msg), needle, "the message names the consumer, the event, and the field")
	}
}

func TestBrokerRunRequiresUntil(t *testing.T) {
	srv, _ := brokerServer(t)

	resp, err := http.Post(srv.URL+"/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBrokerRunBeforeStartConflicts(t *testing.T) {
	srv, _ := brokerServer(t)

	resp, err := http.Post(srv.URL+"/run?until=100", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBrokerPeekAndEvents(t *testing.T) {
	srv, b := brokerServer(t)

	b.EventLog().Append(types.Event{Type: types.EventDemand, Time: 480, Source: "scenario"})
	b.EventLog().Append(types.Event{Type: types.EventReserved, Time: 480, Source: "ondemand"})

	resp, err := http.Get(srv.URL + "/peek")
	require.NoError(t, err)
	var peek types.BrokerPeek
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peek))
	resp.Body.Close()
	assert.False(t, peek.Running)
	assert.True(t, peek.Success)

	resp, err = http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first types.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, types.EventDemand, first.Type)
	assert.Equal(t, "scenario", first.Source)
}

func TestBrokerFinishIsIdempotentOverHTTP(t *testing.T) {
	srv, b := brokerServer(t)

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/finish", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, types.StateStopped, b.State())
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := brokerServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "comosim_global_clock")
}
