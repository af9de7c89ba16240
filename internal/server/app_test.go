package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/attribution-registrar/internal/config"
	"github.com/JakeFAU/attribution-registrar/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Runner.Interval = time.Hour
	cfg.Fetcher.EnrollmentCheckDisabled = true
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	_, ok := app.store.(*memory.Datastore)
	assert.True(t, ok, "expected in-memory datastore without a DSN")
	assert.Nil(t, app.subscriber)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	summary, err := app.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)

	n, err := app.ExportDebugReports(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.ErrorIs(t, app.Enroll(context.Background(), "e1", "https://adtech.test"), ErrNoEnrollmentStore)
}

func TestBuildRejectsUnknownLogLevel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Logging.Level = "loud"
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
}

func TestPassLoopWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	adtech := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			hits.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(adtech.Close)

	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.passLoop(ctx, time.Hour)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	body := `{"registration_uri":"` + adtech.URL + `/trigger","registrant":"android-app://com.shop"}`
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/registrations/app/trigger", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return hits.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
}
