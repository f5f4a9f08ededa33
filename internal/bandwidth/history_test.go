package bandwidth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackerRecordAndGetRate(t *testing.T) {
	require := require.New(t)

	tr := NewTracker("deadbeef", nil)
	now := time.Now()

	tr.Record(CategoryPeerProtocol, 1024, DirectionDown, now)
	tr.Record(CategoryPeerPayload, 900, DirectionDown, now)

	rate := tr.GetRate(DirectionDown, 1000, CategoryPeerProtocol)
	require.InDelta(1024.0, rate, 0.01)
}

func TestTrackerAllAggregationExcludesPeerPayload(t *testing.T) {
	require := require.New(t)

	tr := NewTracker("deadbeef", nil)
	now := time.Now()

	tr.Record(CategoryPeerProtocol, 1000, DirectionDown, now)
	tr.Record(CategoryPeerPayload, 900, DirectionDown, now)
	tr.Record(CategoryTrackerHTTP, 50, DirectionDown, now)
	tr.Record(CategoryDHT, 25, DirectionDown, now)

	all := tr.GetRate(DirectionDown, 1000)
	// 1000 (protocol, which itself subsumes the 900 payload bytes on the
	// wire) + 50 (tracker) + 25 (dht); peer:payload must not be added a
	// second time.
	require.InDelta(1075.0, all, 0.01)
}

func TestTrackerSeparatesDirections(t *testing.T) {
	require := require.New(t)

	tr := NewTracker("deadbeef", nil)
	now := time.Now()

	tr.Record(CategoryPeerProtocol, 500, DirectionDown, now)
	tr.Record(CategoryPeerProtocol, 200, DirectionUp, now)

	require.InDelta(500.0, tr.GetRate(DirectionDown, 1000, CategoryPeerProtocol), 0.01)
	require.InDelta(200.0, tr.GetRate(DirectionUp, 1000, CategoryPeerProtocol), 0.01)
}

func TestTrackerGetSamplesMergesCategories(t *testing.T) {
	require := require.New(t)

	tr := NewTracker("deadbeef", nil)
	now := time.Now()

	tr.Record(CategoryTrackerHTTP, 10, DirectionDown, now)
	tr.Record(CategoryTrackerUDP, 20, DirectionDown, now)

	samples := tr.GetSamples(DirectionDown, []Category{CategoryTrackerHTTP, CategoryTrackerUDP}, now.Add(-time.Minute), now.Add(time.Minute), 0)
	require.Len(samples, 1)
	require.EqualValues(30, samples[0].Bytes)
}

func TestRrdHistoryRateOverWindow(t *testing.T) {
	require := require.New(t)

	h := NewRrdHistory(3600)
	base := time.Now().Add(-10 * time.Second)

	for i := 0; i < 5; i++ {
		h.record(base.Add(time.Duration(i)*time.Second), 100)
	}

	rate := h.rate(base.Add(5*time.Second), 5000)
	require.InDelta(100.0, rate, 0.01)
}
