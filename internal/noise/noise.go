// Package noise applies randomized response to newly registered sources.
package noise

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// Randomized trigger rates by source type and destination cardinality.
const (
	EventNoiseProbability                     = 0.0000025
	EventDualDestinationNoiseProbability      = 0.0000042
	NavigationNoiseProbability                = 0.0024263
	NavigationDualDestinationNoiseProbability = 0.0170218
)

const (
	eventMaxReports                  = 1
	navigationMaxReports             = 3
	eventTriggerDataCardinality      = 2
	navigationTriggerDataCardinality = 8
	reportDelay                      = time.Hour
)

var navigationEarlyWindows = []time.Duration{2 * 24 * time.Hour, 7 * 24 * time.Hour}

// Handler assigns an attribution mode and produces fake reports.
type Handler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewHandler builds a Handler drawing from rnd. A nil rnd uses a randomly
// seeded PCG source.
func NewHandler(rnd *rand.Rand) *Handler {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Handler{rnd: rnd}
}

// RandomizedTriggerRate is the probability that src is noised.
func (h *Handler) RandomizedTriggerRate(src registration.Source) float64 {
	dual := len(src.AppDestinations) > 0 && len(src.WebDestinations) > 0
	switch {
	case src.SourceType == registration.SourceEvent && dual:
		return EventDualDestinationNoiseProbability
	case src.SourceType == registration.SourceEvent:
		return EventNoiseProbability
	case dual:
		return NavigationDualDestinationNoiseProbability
	default:
		return NavigationNoiseProbability
	}
}

// AssignAttributionModeAndGenerateFakeReports sets src.AttributionMode and
// returns the fake reports to store with it.
func (h *Handler) AssignAttributionModeAndGenerateFakeReports(src *registration.Source) ([]registration.FakeReport, error) {
	rate := h.RandomizedTriggerRate(*src)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rnd.Float64() >= rate {
		src.AttributionMode = registration.AttributionTruthfully
		return nil, nil
	}

	fakes := h.fakeReports(*src)
	if len(fakes) == 0 {
		src.AttributionMode = registration.AttributionNever
		return nil, nil
	}
	src.AttributionMode = registration.AttributionFalsely
	return fakes, nil
}

// fakeReports draws one output state uniformly from every possible
// combination of reports over trigger data, windows and destinations.
func (h *Handler) fakeReports(src registration.Source) []registration.FakeReport {
	maxReports, cardinality := eventMaxReports, eventTriggerDataCardinality
	if src.SourceType == registration.SourceNavigation {
		maxReports, cardinality = navigationMaxReports, navigationTriggerDataCardinality
	}
	windows := reportWindows(src)
	destinations := destinationGroups(src)

	bars := cardinality * len(windows) * len(destinations)
	states := numStarsAndBars(maxReports, bars)
	state := h.rnd.Int64N(states)

	var fakes []registration.FakeReport
	for _, b := range barsPrecedingEachStar(kCombinationAtIndex(state, maxReports)) {
		if b == 0 {
			continue
		}
		bucket := b - 1
		triggerData := bucket % cardinality
		rest := bucket / cardinality
		window := windows[rest%len(windows)]
		fakes = append(fakes, registration.FakeReport{
			TriggerData:  uint64(triggerData),
			ReportTime:   window.Add(reportDelay),
			Destinations: destinations[rest/len(windows)],
		})
	}
	return fakes
}

// reportWindows returns the end of every event report window for src.
func reportWindows(src registration.Source) []time.Time {
	end := src.EventReportWindow
	if end.IsZero() {
		end = src.ExpiryTime
	}
	if src.SourceType != registration.SourceNavigation {
		return []time.Time{end}
	}
	var windows []time.Time
	for _, early := range navigationEarlyWindows {
		if at := src.EventTime.Add(early); at.Before(end) {
			windows = append(windows, at)
		}
	}
	return append(windows, end)
}

// destinationGroups lists the destinations a fake report may point at. A
// source with both kinds draws per kind unless coarse destinations merge them.
func destinationGroups(src registration.Source) [][]string {
	switch {
	case len(src.AppDestinations) > 0 && len(src.WebDestinations) > 0 && !src.CoarseEventReportDestinations:
		return [][]string{src.AppDestinations, src.WebDestinations}
	case len(src.AppDestinations) > 0 && len(src.WebDestinations) > 0:
		return [][]string{append(append([]string{}, src.AppDestinations...), src.WebDestinations...)}
	case len(src.AppDestinations) > 0:
		return [][]string{src.AppDestinations}
	default:
		return [][]string{src.WebDestinations}
	}
}
