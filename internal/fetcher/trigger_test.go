package fetcher

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/attribution-registrar/internal/hash/sha256"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

func appTriggerRequest() registration.Request {
	return registration.Request{
		ID:              "req-t",
		RegistrationID:  "reg-t",
		Type:            registration.AppTrigger,
		RegistrationURI: "https://adtech.test/conversion",
		TopOrigin:       "android-app://com.advertiser/path",
		Registrant:      "android-app://com.advertiser",
		RequestTime:     requestTime,
	}
}

func fetchTrigger(t *testing.T, req registration.Request, opts Options, payload string) (*registration.Trigger, registration.FetchStatus) {
	t.Helper()
	poster := respond(http.StatusOK, HeaderRegisterTrigger, payload)
	f := NewTriggerFetcher(poster, enrolled("enrollment-1"), sha256.New(), opts, nil)
	trig, status, _ := f.FetchTrigger(context.Background(), req)
	return trig, status
}

func TestFetchTriggerDefaults(t *testing.T) {
	t.Parallel()

	trig, status := fetchTrigger(t, appTriggerRequest(), Options{}, `{}`)
	require.NotNil(t, trig)
	assert.Equal(t, registration.EntitySuccess, status.EntityStatus)
	assert.Equal(t, "android-app://com.advertiser", trig.AttributionDestination)
	assert.Equal(t, registration.SurfaceApp, trig.DestinationType)
	assert.Equal(t, registration.TriggerPending, trig.Status)
	assert.Equal(t, requestTime, trig.TriggerTime)
	assert.Equal(t, "[]", trig.EventTriggers)
	assert.Equal(t, "https://adtech.test", trig.RegistrationOrigin)
	assert.Empty(t, trig.Filters)
}

func TestFetchTriggerWebDestinationKeepsTopOrigin(t *testing.T) {
	t.Parallel()

	req := appTriggerRequest()
	req.Type = registration.WebTrigger
	req.TopOrigin = "https://shop.example.test/cart"
	trig, _ := fetchTrigger(t, req, Options{}, `{}`)
	require.NotNil(t, trig)
	assert.Equal(t, "https://shop.example.test/cart", trig.AttributionDestination)
	assert.Equal(t, registration.SurfaceWeb, trig.DestinationType)
}

func TestFetchTriggerEventTriggerDataBestEffort(t *testing.T) {
	t.Parallel()

	payload := `{"event_trigger_data":[
		{"trigger_data":"2","priority":"101","deduplication_key":"7","filters":{"product":["1"]}},
		{"trigger_data":"bad","priority":"high","deduplication_key":"-1"},
		"not-an-object"
	]}`
	trig, status := fetchTrigger(t, appTriggerRequest(), Options{}, payload)
	require.NotNil(t, trig, status.EntityStatus.String())
	assert.JSONEq(t, `[
		{"trigger_data":"2","priority":"101","deduplication_key":"7","filters":[{"product":["1"]}]},
		{"trigger_data":"0"}
	]`, trig.EventTriggers)
}

func TestFetchTriggerAggregatableFields(t *testing.T) {
	t.Parallel()

	payload := `{
		"aggregatable_trigger_data":[{"key_piece":"0x400","source_keys":["campaignCounts"],"not_filters":{"p":["2"]}}],
		"aggregatable_values":{"campaignCounts":32768},
		"aggregatable_deduplication_keys":[{"deduplication_key":"12","filters":{"p":["1"]}},{"deduplication_key":"x"}],
		"filters":{"p":["1"]},
		"not_filters":[{"q":["2"]}],
		"debug_key":"9"
	}`
	trig, status := fetchTrigger(t, appTriggerRequest(), Options{}, payload)
	require.NotNil(t, trig, status.EntityStatus.String())
	assert.JSONEq(t, `[{"key_piece":"0x400","source_keys":["campaignCounts"],"not_filters":[{"p":["2"]}]}]`, trig.AggregateTriggerData)
	assert.JSONEq(t, `{"campaignCounts":32768}`, trig.AggregateValues)
	assert.JSONEq(t, `[{"deduplication_key":"12","filters":[{"p":["1"]}]},{}]`, trig.AggregateDeduplicationKeys)
	assert.JSONEq(t, `[{"p":["1"]}]`, trig.Filters)
	assert.JSONEq(t, `[{"q":["2"]}]`, trig.NotFilters)
	require.NotNil(t, trig.DebugKey)
	assert.Equal(t, uint64(9), *trig.DebugKey)
}

func TestFetchTriggerValidationErrors(t *testing.T) {
	t.Parallel()

	tooMany := "[" + strings.TrimSuffix(strings.Repeat(`{"trigger_data":"1"},`, MaxEventTriggerData+1), ",") + "]"
	tests := map[string]string{
		"too many event triggers": `{"event_trigger_data":` + tooMany + `}`,
		"bad event filters":       `{"event_trigger_data":[{"filters":{"k":"v"}}]}`,
		"bad key piece":           `{"aggregatable_trigger_data":[{"key_piece":"400","source_keys":["a"]}]}`,
		"missing source keys":     `{"aggregatable_trigger_data":[{"key_piece":"0x400"}]}`,
		"bad values key":          `{"aggregatable_values":{"":1}}`,
		"bad top level filters":   `{"filters":[{},{},{},{},{},{}]}`,
		"bad dedup filters":       `{"aggregatable_deduplication_keys":[{"not_filters":{"k":[{}]}}]}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			trig, status := fetchTrigger(t, appTriggerRequest(), Options{}, payload)
			assert.Nil(t, trig)
			assert.Equal(t, registration.EntityValidationError, status.EntityStatus)
		})
	}
}

func TestFetchTriggerParsingErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"event triggers object": `{"event_trigger_data":{}}`,
		"x network data string": `{"aggregatable_trigger_data":[{"key_piece":"0x1","source_keys":["a"],"x_network_data":"x"}]}`,
		"values array":          `{"aggregatable_values":[1]}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			trig, status := fetchTrigger(t, appTriggerRequest(), Options{}, payload)
			assert.Nil(t, trig)
			assert.Equal(t, registration.EntityParsingError, status.EntityStatus)
		})
	}
}

func TestFetchTriggerCrossNetworkFields(t *testing.T) {
	t.Parallel()

	payload := `{
		"x_network_key_mapping":{"enrollment-2":"0x1"},
		"attribution_config":[{"source_network":"enrollment-2"}]
	}`

	trig, _ := fetchTrigger(t, appTriggerRequest(), Options{}, payload)
	require.NotNil(t, trig)
	assert.Empty(t, trig.XNetworkKeyMapping)
	assert.Empty(t, trig.AttributionConfig)

	trig, _ = fetchTrigger(t, appTriggerRequest(), Options{XNAEnabled: true}, payload)
	require.NotNil(t, trig)
	assert.JSONEq(t, `{"enrollment-2":"0x1"}`, trig.XNetworkKeyMapping)
	assert.JSONEq(t, `[{"source_network":"enrollment-2"}]`, trig.AttributionConfig)

	trig, _ = fetchTrigger(t, appTriggerRequest(), Options{XNAEnabled: true}, `{"x_network_key_mapping":{"e":"1"}}`)
	require.NotNil(t, trig)
	assert.Empty(t, trig.XNetworkKeyMapping)
}

func TestFetchTriggerAttributionConfigWebAllowlist(t *testing.T) {
	t.Parallel()

	req := appTriggerRequest()
	req.Type = registration.WebTrigger
	req.TopOrigin = "https://shop.example.test"
	req.Registrant = "android-app://com.browser"
	payload := `{"attribution_config":[{"source_network":"enrollment-2"}]}`

	trig, _ := fetchTrigger(t, req, Options{XNAEnabled: true}, payload)
	require.NotNil(t, trig)
	assert.Empty(t, trig.AttributionConfig)

	trig, _ = fetchTrigger(t, req, Options{XNAEnabled: true, WebContextClientAllowlist: []string{"com.browser"}}, payload)
	require.NotNil(t, trig)
	assert.NotEmpty(t, trig.AttributionConfig)

	_, status := fetchTrigger(t, req, Options{XNAEnabled: true, WebContextClientAllowlist: []string{"com.browser"}},
		`{"attribution_config":[{"source_network":""}]}`)
	assert.Equal(t, registration.EntityParsingError, status.EntityStatus)
}
