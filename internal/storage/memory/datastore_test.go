package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func inTx(t *testing.T, d *Datastore, fn func(ctx context.Context, tx registration.Tx) error) {
	t.Helper()
	require.NoError(t, d.InTransaction(context.Background(), fn))
}

func queued(id, uri string, at time.Time, retries int) registration.Request {
	return registration.Request{
		ID:              id,
		RegistrationID:  "reg-" + id,
		Type:            registration.AppTrigger,
		RegistrationURI: uri,
		Registrant:      "android-app://com.app",
		RequestTime:     at,
		RetryCount:      retries,
	}
}

func TestFetchNextQueuedRequest(t *testing.T) {
	t.Parallel()

	d := NewDatastore()
	inTx(t, d, func(ctx context.Context, tx registration.Tx) error {
		for _, req := range []registration.Request{
			queued("a", "https://slow.test/r", epoch, 0),
			queued("b", "https://fast.test/r", epoch.Add(time.Minute), 0),
			queued("c", "https://fast.test/r", epoch.Add(-time.Minute), 5),
		} {
			if err := tx.InsertRequest(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})

	inTx(t, d, func(ctx context.Context, tx registration.Tx) error {
		next, err := tx.FetchNextQueuedRequest(ctx, 5, nil)
		require.NoError(t, err)
		assert.Equal(t, "a", next.ID)

		next, err = tx.FetchNextQueuedRequest(ctx, 5, []string{"https://slow.test"})
		require.NoError(t, err)
		assert.Equal(t, "b", next.ID)

		_, err = tx.FetchNextQueuedRequest(ctx, 5, []string{"https://slow.test", "https://fast.test"})
		assert.ErrorIs(t, err, registration.ErrNotFound)
		return nil
	})
}

func TestTransactionRollsBackOnError(t *testing.T) {
	t.Parallel()

	d := NewDatastore()
	boom := errors.New("boom")
	err := d.InTransaction(context.Background(), func(ctx context.Context, tx registration.Tx) error {
		require.NoError(t, tx.InsertRequest(ctx, queued("a", "https://a.test", epoch, 0)))
		require.NoError(t, tx.UpsertKeyValueData(ctx, registration.KeyValueData{
			Key: "reg-a", DataType: registration.RegistrationRedirectCount, Value: 3,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, d.Requests())
	assert.Zero(t, d.KeyValue("reg-a", registration.RegistrationRedirectCount))
}

func TestRowMutationsRequireExistingRows(t *testing.T) {
	t.Parallel()

	d := NewDatastore()
	inTx(t, d, func(ctx context.Context, tx registration.Tx) error {
		assert.ErrorIs(t, tx.DeleteRequest(ctx, "missing"), registration.ErrNoRowsAffected)
		assert.ErrorIs(t, tx.UpdateRetryCount(ctx, queued("missing", "https://a.test", epoch, 1)), registration.ErrNoRowsAffected)
		assert.ErrorIs(t, tx.DeleteDebugReport(ctx, "missing"), registration.ErrNoRowsAffected)

		require.NoError(t, tx.InsertRequest(ctx, queued("a", "https://a.test", epoch, 0)))
		require.NoError(t, tx.UpdateRetryCount(ctx, queued("a", "https://a.test", epoch, 2)))
		return nil
	})
	reqs := d.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 2, reqs[0].RetryCount)
}

func webSource(id, publisher, enrollment, origin string, at time.Time, dests ...string) registration.Source {
	return registration.Source{
		ID:                 id,
		Publisher:          publisher,
		PublisherType:      registration.SurfaceWeb,
		WebDestinations:    dests,
		EnrollmentID:       enrollment,
		RegistrationOrigin: origin,
		Status:             registration.SourceActive,
		EventTime:          at,
		ExpiryTime:         at.Add(30 * 24 * time.Hour),
	}
}

func TestSourceCountingQueries(t *testing.T) {
	t.Parallel()

	d := NewDatastore()
	inTx(t, d, func(ctx context.Context, tx registration.Tx) error {
		for _, src := range []registration.Source{
			webSource("s1", "https://news.test", "e1", "https://a.adtech", epoch.Add(-time.Hour), "https://shop.test", "https://books.test"),
			webSource("s2", "https://www.news.test", "e1", "https://a.adtech", epoch.Add(-2*time.Hour), "https://toys.test"),
			webSource("s3", "https://news.test", "e2", "https://b.adtech", epoch.Add(-time.Hour), "https://shop.test"),
			webSource("s4", "https://news.test", "e3", "https://c.adtech", epoch.Add(-40*24*time.Hour), "https://shop.test"),
			webSource("s5", "https://othernews.test", "e1", "https://d.adtech", epoch.Add(-time.Hour), "https://shop.test"),
		} {
			if err := tx.InsertSource(ctx, src); err != nil {
				return err
			}
		}
		return nil
	})

	start, end := epoch.Add(-30*24*time.Hour), epoch
	inTx(t, d, func(ctx context.Context, tx registration.Tx) error {
		n, err := tx.CountSourcesPerPublisher(ctx, "https://news.test", registration.SurfaceWeb)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		n, err = tx.CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
			ctx, "https://z.adtech", "https://news.test", registration.SurfaceWeb, "e1", epoch.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "subdomain publishers count")

		n, err = tx.CountSourcesPerPublisherXEnrollmentExcludingRegOrigin(
			ctx, "https://a.adtech", "https://news.test", registration.SurfaceWeb, "e1", epoch.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = tx.CountDistinctDestinationsPerPublisherXEnrollmentInActiveSource(
			ctx, "https://news.test", registration.SurfaceWeb, "e1", []string{"https://shop.test"}, registration.SurfaceWeb, start, end)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = tx.CountDistinctEnrollmentsPerPublisherXDestinationInSource(
			ctx, "https://news.test", registration.SurfaceWeb, []string{"https://shop.test", "https://toys.test"}, "e9", start, end)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "e3 is outside the window")

		n, err = tx.CountDistinctEnrollmentsPerPublisherXDestinationInSource(
			ctx, "https://news.test", registration.SurfaceWeb, []string{"https://shop.test"}, "e1", start, end)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
}

func TestCountTriggersPerDestination(t *testing.T) {
	t.Parallel()

	d := NewDatastore()
	inTx(t, d, func(ctx context.Context, tx registration.Tx) error {
		for i, dest := range []string{"https://shop.test/cart", "https://www.shop.test", "https://other.test"} {
			trig := registration.Trigger{
				ID:                     string(rune('a' + i)),
				AttributionDestination: dest,
				DestinationType:        registration.SurfaceWeb,
			}
			if err := tx.InsertTrigger(ctx, trig); err != nil {
				return err
			}
		}
		n, err := tx.CountTriggersPerDestination(ctx, "https://checkout.shop.test", registration.SurfaceWeb)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = tx.CountTriggersPerDestination(ctx, "https://127.0.0.1", registration.SurfaceWeb)
		assert.Error(t, err)
		return nil
	})
}

func TestDebugReportsAndKeyValues(t *testing.T) {
	t.Parallel()

	d := NewDatastore()
	inTx(t, d, func(ctx context.Context, tx registration.Tx) error {
		require.NoError(t, tx.InsertDebugReport(ctx, registration.DebugReport{ID: "r2", InsertedAt: epoch.Add(time.Second)}))
		require.NoError(t, tx.InsertDebugReport(ctx, registration.DebugReport{ID: "r1", InsertedAt: epoch}))
		assert.Error(t, tx.InsertDebugReport(ctx, registration.DebugReport{}))

		reports, err := tx.ListDebugReports(ctx, 1)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, "r1", reports[0].ID)
		require.NoError(t, tx.DeleteDebugReport(ctx, "r1"))

		kv, err := tx.GetKeyValueData(ctx, "reg", registration.RegistrationRedirectCount)
		require.NoError(t, err)
		assert.Zero(t, kv.Value)
		return tx.UpsertKeyValueData(ctx, registration.KeyValueData{Key: "reg", DataType: registration.RegistrationRedirectCount, Value: 4})
	})
	assert.Len(t, d.DebugReports(), 1)
	assert.Equal(t, 4, d.KeyValue("reg", registration.RegistrationRedirectCount))
}

func TestFakeRecordsRequireSource(t *testing.T) {
	t.Parallel()

	d := NewDatastore()
	err := d.InTransaction(context.Background(), func(ctx context.Context, tx registration.Tx) error {
		return tx.InsertEventReport(ctx, registration.EventReport{ID: "r", SourceID: "missing"})
	})
	require.Error(t, err)
	assert.Empty(t, d.EventReports())
}
