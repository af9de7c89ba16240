package fetcher

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/attribution-registrar/internal/hash/sha256"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

func fetchSource(t *testing.T, req registration.Request, opts Options, payload string) (*registration.Source, registration.FetchStatus) {
	t.Helper()
	poster := respond(http.StatusOK, HeaderRegisterSource, payload)
	f := NewSourceFetcher(poster, enrolled("enrollment-1"), sha256.New(), opts, nil)
	src, status, _ := f.FetchSource(context.Background(), req)
	return src, status
}

func TestFetchSourceRoundTrip(t *testing.T) {
	t.Parallel()

	poster := respond(http.StatusOK, HeaderRegisterSource,
		`{"source_event_id":"123","destination":"android-app://com.example"}`)
	f := NewSourceFetcher(poster, enrolled("enrollment-1"), sha256.New(), Options{}, nil)

	req := appSourceRequest()
	src, status, _ := f.FetchSource(context.Background(), req)
	require.NotNil(t, src)
	assert.True(t, status.IsRequestSuccess())
	assert.Equal(t, registration.EntitySuccess, status.EntityStatus)

	assert.Equal(t, uint64(123), src.EventID)
	assert.Equal(t, []string{"android-app://com.example"}, src.AppDestinations)
	assert.Empty(t, src.WebDestinations)
	assert.Equal(t, requestTime.Add(time.Duration(MaxSourceExpirySeconds)*time.Second), src.ExpiryTime)
	assert.Equal(t, src.ExpiryTime, src.EventReportWindow)
	assert.Equal(t, src.ExpiryTime, src.AggregatableReportWindow)
	assert.Equal(t, registration.AttributionTruthfully, src.AttributionMode)
	assert.Equal(t, registration.SourceActive, src.Status)
	assert.Equal(t, "android-app://com.publisher", src.Publisher)
	assert.Equal(t, registration.SurfaceApp, src.PublisherType)
	assert.Equal(t, "https://adtech.test", src.RegistrationOrigin)
	assert.Equal(t, "enrollment-1", src.EnrollmentID)
	assert.Equal(t, "reg-1", src.RegistrationID)
	assert.Equal(t, requestTime, src.EventTime)
	assert.Equal(t, 30*24*time.Hour, src.InstallAttributionWindow)
	assert.Zero(t, src.InstallCooldownWindow)
	assert.Nil(t, src.DebugKey)

	want, err := sha256.New().Hash([]byte("ad-id-1" + "enrollment-1"))
	require.NoError(t, err)
	assert.Equal(t, want, src.PlatformAdID)

	assert.Equal(t, "https://adtech.test/register?campaign=1", poster.url)
	assert.Equal(t, "navigation", poster.headers.Get(HeaderSourceInfo))
}

func TestSourceExpiryRounding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  int64
		want int64
	}{
		{raw: 100000, want: 86400},
		{raw: 129599, want: 86400},
		{raw: 129600, want: 172800},
		{raw: 1, want: 86400},
		{raw: 86400 * 45, want: 2592000},
		{raw: 2591999, want: 2592000},
	}
	for _, tt := range tests {
		t.Run(strconv.FormatInt(tt.raw, 10), func(t *testing.T) {
			t.Parallel()
			req := appSourceRequest()
			req.SourceType = registration.SourceEvent
			payload := `{"destination":"android-app://com.example","expiry":"` + strconv.FormatInt(tt.raw, 10) + `"}`
			src, status := fetchSource(t, req, Options{}, payload)
			require.NotNil(t, src, status.EntityStatus.String())
			assert.Equal(t, requestTime.Add(time.Duration(tt.want)*time.Second), src.ExpiryTime)
		})
	}
}

func TestSourceExpiryNotRoundedForNavigation(t *testing.T) {
	t.Parallel()

	src, _ := fetchSource(t, appSourceRequest(), Options{}, `{"destination":"android-app://com.example","expiry":100000}`)
	require.NotNil(t, src)
	assert.Equal(t, requestTime.Add(100000*time.Second), src.ExpiryTime)
}

func TestSourceReportWindowsCappedAtExpiry(t *testing.T) {
	t.Parallel()

	payload := `{
		"destination":"android-app://com.example",
		"expiry":172800,
		"event_report_window":"2000000",
		"aggregatable_report_window":90000
	}`
	src, _ := fetchSource(t, appSourceRequest(), Options{}, payload)
	require.NotNil(t, src)
	assert.Equal(t, requestTime.Add(172800*time.Second), src.EventReportWindow)
	assert.Equal(t, requestTime.Add(90000*time.Second), src.AggregatableReportWindow)
}

func TestSourceOptionalFields(t *testing.T) {
	t.Parallel()

	payload := `{
		"destination":"com.example",
		"source_event_id":"not-a-number",
		"priority":"-5",
		"debug_key":"77",
		"debug_reporting":true,
		"install_attribution_window":10,
		"post_install_exclusivity_window":3000000,
		"filter_data":{"product":["1234"]},
		"aggregation_keys":{"campaignCounts":"0x159"},
		"debug_ad_id":"debug-ad",
		"debug_join_key":"join"
	}`
	opts := Options{JoinKeyAllowlist: []string{"enrollment-1"}}
	src, status := fetchSource(t, appSourceRequest(), opts, payload)
	require.NotNil(t, src, status.EntityStatus.String())

	assert.Zero(t, src.EventID)
	assert.Equal(t, []string{"android-app://com.example"}, src.AppDestinations)
	assert.Equal(t, int64(-5), src.Priority)
	require.NotNil(t, src.DebugKey)
	assert.Equal(t, uint64(77), *src.DebugKey)
	assert.True(t, src.DebugReporting)
	assert.Equal(t, 24*time.Hour, src.InstallAttributionWindow)
	assert.Equal(t, 30*24*time.Hour, src.InstallCooldownWindow)
	assert.JSONEq(t, `{"product":["1234"]}`, src.FilterData)
	assert.JSONEq(t, `{"campaignCounts":"0x159"}`, src.AggregateSource)
	assert.Equal(t, "debug-ad", src.DebugAdID)
	assert.Equal(t, "join", src.DebugJoinKey)
}

func TestSourceDebugAdIDBlocklist(t *testing.T) {
	t.Parallel()

	payload := `{"destination":"android-app://com.example","debug_ad_id":"x","debug_join_key":"j"}`
	for _, blocklist := range [][]string{{"*"}, {"enrollment-1"}} {
		src, _ := fetchSource(t, appSourceRequest(), Options{AdIDBlocklist: blocklist}, payload)
		require.NotNil(t, src)
		assert.Empty(t, src.DebugAdID)
		assert.Empty(t, src.DebugJoinKey)
	}
}

func TestSourceParsingErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"no destination":         `{"source_event_id":"1"}`,
		"priority not numeric":   `{"destination":"android-app://com.example","priority":"high"}`,
		"expiry not numeric":     `{"destination":"android-app://com.example","expiry":[1]}`,
		"aggregation keys array": `{"destination":"android-app://com.example","aggregation_keys":[]}`,
		"web destination object": `{"web_destination":{"a":1}}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src, status := fetchSource(t, appSourceRequest(), Options{}, payload)
			assert.Nil(t, src)
			assert.Equal(t, registration.EntityParsingError, status.EntityStatus)
		})
	}
}

func TestSourceValidationErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"wrong app scheme":      `{"destination":"https://com.example"}`,
		"too many web dests":    `{"web_destination":["https://a.test","https://b.test","https://c.test","https://d.test"]}`,
		"web dest without site": `{"web_destination":"https://127.0.0.1"}`,
		"invalid filter data":   `{"destination":"android-app://com.example","filter_data":{"k":"not-an-array"}}`,
		"bad key piece":         `{"destination":"android-app://com.example","aggregation_keys":{"a":"159"}}`,
		"empty key id":          `{"destination":"android-app://com.example","aggregation_keys":{"":"0x1"}}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src, status := fetchSource(t, appSourceRequest(), Options{}, payload)
			assert.Nil(t, src)
			assert.Equal(t, registration.EntityValidationError, status.EntityStatus)
		})
	}
}

func webSourceRequest() registration.Request {
	req := appSourceRequest()
	req.Type = registration.WebSource
	req.TopOrigin = "https://news.publisher.test/article"
	req.Registrant = "android-app://com.browser"
	req.WebDestination = "https://shop.example.co.uk"
	req.OSDestination = "android-app://com.example"
	req.DebugKeyAllowed = true
	return req
}

func TestWebSourceDestinations(t *testing.T) {
	t.Parallel()

	payload := `{
		"destination":"android-app://com.example",
		"web_destination":["https://shop.example.co.uk","https://www.example.co.uk","https://other.test"]
	}`
	src, status := fetchSource(t, webSourceRequest(), Options{}, payload)
	require.NotNil(t, src, status.EntityStatus.String())
	assert.Equal(t, []string{"https://example.co.uk", "https://other.test"}, src.WebDestinations)
	assert.Equal(t, registration.SurfaceWeb, src.PublisherType)
	assert.Equal(t, "https://news.publisher.test", src.Publisher)
	assert.True(t, src.ArDebugPermission)
	assert.Empty(t, src.PlatformAdID)
}

func TestWebSourceMustMatchSuppliedDestinations(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"web mismatch": `{"destination":"android-app://com.example","web_destination":"https://other.test"}`,
		"os mismatch":  `{"destination":"android-app://com.other","web_destination":"https://shop.example.co.uk"}`,
		"os missing":   `{"web_destination":"https://shop.example.co.uk"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			src, status := fetchSource(t, webSourceRequest(), Options{}, payload)
			assert.Nil(t, src)
			assert.Equal(t, registration.EntityValidationError, status.EntityStatus)
		})
	}
}

func TestSourceFeatureFlaggedFields(t *testing.T) {
	t.Parallel()

	payload := `{
		"destination":"android-app://com.example",
		"coarse_event_report_destinations":true,
		"shared_aggregation_keys":["campaignCounts"]
	}`

	src, _ := fetchSource(t, appSourceRequest(), Options{}, payload)
	require.NotNil(t, src)
	assert.False(t, src.CoarseEventReportDestinations)
	assert.Empty(t, src.SharedAggregationKeys)

	src, _ = fetchSource(t, appSourceRequest(), Options{CoarseEventReportDestinations: true, XNAEnabled: true}, payload)
	require.NotNil(t, src)
	assert.True(t, src.CoarseEventReportDestinations)
	assert.JSONEq(t, `["campaignCounts"]`, src.SharedAggregationKeys)

	_, status := fetchSource(t, appSourceRequest(), Options{XNAEnabled: true},
		`{"destination":"android-app://com.example","shared_aggregation_keys":"x"}`)
	assert.Equal(t, registration.EntityParsingError, status.EntityStatus)
}
