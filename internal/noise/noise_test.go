package noise

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// scriptedSource replays fixed 64-bit draws.
type scriptedSource struct {
	values []uint64
	next   int
}

func (s *scriptedSource) Uint64() uint64 {
	v := s.values[s.next%len(s.values)]
	s.next++
	return v
}

func handlerWith(values ...uint64) *Handler {
	return NewHandler(rand.New(&scriptedSource{values: values}))
}

var eventTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func navigationSource() registration.Source {
	return registration.Source{
		SourceType:        registration.SourceNavigation,
		AppDestinations:   []string{"android-app://com.shop"},
		EventTime:         eventTime,
		ExpiryTime:        eventTime.Add(30 * 24 * time.Hour),
		EventReportWindow: eventTime.Add(30 * 24 * time.Hour),
	}
}

func TestBinomial(t *testing.T) {
	t.Parallel()

	cases := [][3]int64{{0, 0, 1}, {0, 1, 0}, {4, 2, 6}, {9, 4, 126}, {30, 3, 4060}, {100, 5, 75287520}}
	for _, c := range cases {
		assert.Equal(t, c[2], binomial(int(c[0]), int(c[1])), "C(%d,%d)", c[0], c[1])
	}
}

func TestKCombinationAtIndex(t *testing.T) {
	t.Parallel()

	assert.Empty(t, kCombinationAtIndex(0, 0))
	assert.Equal(t, []int{7}, kCombinationAtIndex(7, 1))
	assert.Equal(t, []int{1, 0}, kCombinationAtIndex(0, 2))
	assert.Equal(t, []int{6, 4}, kCombinationAtIndex(19, 2))
	assert.Equal(t, []int{5, 4, 3}, kCombinationAtIndex(19, 3))
	assert.Equal(t, []int{26, 25, 24}, kCombinationAtIndex(2924, 3))

	for k := 1; k < 5; k++ {
		for index := int64(0); index < 500; index++ {
			combo := kCombinationAtIndex(index, k)
			var sum int64
			for i, c := range combo {
				sum += binomial(c, k-i)
			}
			require.Equal(t, index, sum)
		}
	}
}

func TestStarsAndBars(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(3), numStarsAndBars(1, 2))
	assert.Equal(t, int64(2925), numStarsAndBars(3, 24))
	assert.Equal(t, []int{4, 2, 0}, barsPrecedingEachStar([]int{6, 3, 0}))
	assert.Equal(t, []int{2}, barsPrecedingEachStar([]int{2}))
}

func TestRandomizedTriggerRate(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil)
	src := navigationSource()
	assert.InDelta(t, NavigationNoiseProbability, h.RandomizedTriggerRate(src), 1e-12)

	src.WebDestinations = []string{"https://shop.test"}
	assert.InDelta(t, NavigationDualDestinationNoiseProbability, h.RandomizedTriggerRate(src), 1e-12)

	src.SourceType = registration.SourceEvent
	assert.InDelta(t, EventDualDestinationNoiseProbability, h.RandomizedTriggerRate(src), 1e-12)

	src.WebDestinations = nil
	assert.InDelta(t, EventNoiseProbability, h.RandomizedTriggerRate(src), 1e-12)
}

func TestTruthfulWhenDrawAboveRate(t *testing.T) {
	t.Parallel()

	src := navigationSource()
	fakes, err := handlerWith(math.MaxUint64).AssignAttributionModeAndGenerateFakeReports(&src)
	require.NoError(t, err)
	assert.Empty(t, fakes)
	assert.Equal(t, registration.AttributionTruthfully, src.AttributionMode)
}

func TestNeverWhenNoisedStateHasNoReports(t *testing.T) {
	t.Parallel()

	src := navigationSource()
	fakes, err := handlerWith(0, 1).AssignAttributionModeAndGenerateFakeReports(&src)
	require.NoError(t, err)
	assert.Empty(t, fakes)
	assert.Equal(t, registration.AttributionNever, src.AttributionMode)
}

func TestFalselyProducesReportsInLastWindow(t *testing.T) {
	t.Parallel()

	src := navigationSource()
	fakes, err := handlerWith(0, math.MaxUint64).AssignAttributionModeAndGenerateFakeReports(&src)
	require.NoError(t, err)
	assert.Equal(t, registration.AttributionFalsely, src.AttributionMode)
	require.Len(t, fakes, navigationMaxReports)
	for _, f := range fakes {
		assert.Equal(t, uint64(navigationTriggerDataCardinality-1), f.TriggerData)
		assert.Equal(t, src.EventReportWindow.Add(time.Hour), f.ReportTime)
		assert.Equal(t, src.AppDestinations, f.Destinations)
	}
}

func TestEventSourceSingleReport(t *testing.T) {
	t.Parallel()

	src := navigationSource()
	src.SourceType = registration.SourceEvent
	src.EventReportWindow = eventTime.Add(5 * 24 * time.Hour)
	fakes, err := handlerWith(0, math.MaxUint64).AssignAttributionModeAndGenerateFakeReports(&src)
	require.NoError(t, err)
	require.Len(t, fakes, 1)
	assert.Equal(t, uint64(1), fakes[0].TriggerData)
	assert.Equal(t, eventTime.Add(5*24*time.Hour+time.Hour), fakes[0].ReportTime)
}

func TestReportWindowsClippedToEventReportWindow(t *testing.T) {
	t.Parallel()

	src := navigationSource()
	assert.Equal(t, []time.Time{
		eventTime.Add(2 * 24 * time.Hour),
		eventTime.Add(7 * 24 * time.Hour),
		src.EventReportWindow,
	}, reportWindows(src))

	src.EventReportWindow = eventTime.Add(3 * 24 * time.Hour)
	assert.Equal(t, []time.Time{eventTime.Add(2 * 24 * time.Hour), src.EventReportWindow}, reportWindows(src))
}

func TestDestinationGroups(t *testing.T) {
	t.Parallel()

	src := navigationSource()
	src.WebDestinations = []string{"https://shop.test"}
	assert.Len(t, destinationGroups(src), 2)

	src.CoarseEventReportDestinations = true
	assert.Equal(t, [][]string{{"android-app://com.shop", "https://shop.test"}}, destinationGroups(src))
}
