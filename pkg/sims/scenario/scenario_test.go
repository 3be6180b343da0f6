package scenario

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard, JSONOutput: true})
}

func configure(t *testing.T, cfg Config) *Scenario {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	s := New()
	require.NoError(t, s.Setup(raw))
	require.NoError(t, s.Start())
	return s
}

func TestDemandsEmitInDepartureOrder(t *testing.T) {
	s := configure(t, Config{
		Demands: []Demand{
			{UserID: "User2", DemandID: "d2", Org: types.Location{LocationID: "Stop2"}, Dst: types.Location{LocationID: "Stop3"}, Dept: 520},
			{UserID: "User1", DemandID: "d1", Org: types.Location{LocationID: "Stop1"}, Dst: types.Location{LocationID: "Stop2"}, Dept: 490},
		},
	})

	assert.Equal(t, 490.0, s.Peek())

	now, events, err := s.Step()
	require.NoError(t, err)
	assert.Equal(t, 490.0, now)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventDemand, events[0].Type)

	details, err := events[0].DecodeDetails()
	require.NoError(t, err)
	demand := details.(*types.DemandDetails)
	assert.Equal(t, "User1", demand.UserID)
	assert.Equal(t, "d1", demand.DemandID)

	assert.Equal(t, 520.0, s.Peek())
}

func TestMissingIdentifiersAreGenerated(t *testing.T) {
	s := configure(t, Config{
		UserIDFormat: "U_%03d",
		Demands: []Demand{
			{Org: types.Location{LocationID: "A"}, Dst: types.Location{LocationID: "B"}, Dept: 100},
		},
	})

	_, events, err := s.Step()
	require.NoError(t, err)
	require.Len(t, events, 1)

	details, err := events[0].DecodeDetails()
	require.NoError(t, err)
	demand := details.(*types.DemandDetails)
	assert.Equal(t, "U_001", demand.UserID)
	assert.NotEmpty(t, demand.DemandID, "a demand id is generated when the input has none")
}

func TestOffsetTimeShiftsDepartures(t *testing.T) {
	s := configure(t, Config{
		OffsetTime: 60,
		Demands: []Demand{
			{UserID: "User1", Dept: 480},
		},
	})
	assert.Equal(t, 420.0, s.Peek())
}

func TestDemandBeforeEpochIsRejected(t *testing.T) {
	raw, err := json.Marshal(Config{
		OffsetTime: 500,
		Demands:    []Demand{{UserID: "User1", Dept: 480}},
	})
	require.NoError(t, err)
	assert.Error(t, New().Setup(raw))
}

func TestIdleAfterAllDemands(t *testing.T) {
	s := configure(t, Config{Demands: []Demand{{UserID: "User1", Dept: 100}}})
	_, _, err := s.Step()
	require.NoError(t, err)
	assert.Equal(t, types.Never, s.Peek())
}
