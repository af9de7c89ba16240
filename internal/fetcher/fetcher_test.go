package fetcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/attribution-registrar/internal/hash/sha256"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

var requestTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubPoster struct {
	resp    Response
	err     error
	url     string
	headers http.Header
}

func (p *stubPoster) Post(_ context.Context, rawURL string, headers http.Header) (Response, error) {
	p.url = rawURL
	p.headers = headers
	return p.resp, p.err
}

func respond(code int, kv ...string) *stubPoster {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return &stubPoster{resp: Response{StatusCode: code, Headers: h}}
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, registrationURI, registrant string) (string, error) {
	args := m.Called(ctx, registrationURI, registrant)
	return args.String(0), args.Error(1)
}

func enrolled(id string) *mockResolver {
	r := &mockResolver{}
	r.On("Resolve", mock.Anything, mock.Anything, mock.Anything).Return(id, nil)
	return r
}

func appSourceRequest() registration.Request {
	return registration.Request{
		ID:              "req-1",
		RegistrationID:  "reg-1",
		Type:            registration.AppSource,
		SourceType:      registration.SourceNavigation,
		RegistrationURI: "https://adtech.test/register?campaign=1",
		TopOrigin:       "android-app://com.publisher",
		Registrant:      "android-app://com.publisher",
		RequestTime:     requestTime,
		AdIDPermission:  true,
		PlatformAdID:    "ad-id-1",
	}
}

func TestFetchStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		poster   *stubPoster
		response registration.ResponseStatus
		entity   registration.EntityStatus
	}{
		{
			name:     "invalid url",
			poster:   &stubPoster{err: ErrInvalidURL},
			response: registration.ResponseInvalidURL,
		},
		{
			name:     "network error",
			poster:   &stubPoster{err: errors.New("connection reset")},
			response: registration.ResponseNetworkError,
		},
		{
			name:     "server error",
			poster:   respond(http.StatusInternalServerError),
			response: registration.ResponseServerUnavailable,
		},
		{
			name:     "client error",
			poster:   respond(http.StatusNotFound),
			response: registration.ResponseServerUnavailable,
		},
		{
			name:     "missing header",
			poster:   respond(http.StatusOK),
			response: registration.ResponseSuccess,
			entity:   registration.EntityHeaderMissing,
		},
		{
			name: "duplicate header",
			poster: respond(http.StatusOK,
				HeaderRegisterSource, `{"destination":"android-app://com.example"}`,
				HeaderRegisterSource, `{"destination":"android-app://com.other"}`),
			response: registration.ResponseSuccess,
			entity:   registration.EntityHeaderError,
		},
		{
			name:     "malformed json",
			poster:   respond(http.StatusOK, HeaderRegisterSource, `{"destination":`),
			response: registration.ResponseSuccess,
			entity:   registration.EntityParsingError,
		},
		{
			name:     "validation failure",
			poster:   respond(http.StatusOK, HeaderRegisterSource, `{"destination":"https://not-an-app.test"}`),
			response: registration.ResponseSuccess,
			entity:   registration.EntityValidationError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewSourceFetcher(tt.poster, enrolled("enrollment-1"), sha256.New(), Options{MaxRedirects: 20}, nil)
			src, status, _ := f.FetchSource(context.Background(), appSourceRequest())
			assert.Nil(t, src)
			assert.Equal(t, tt.response, status.ResponseStatus)
			assert.Equal(t, tt.entity, status.EntityStatus)
		})
	}
}

func TestFetchInvalidEnrollment(t *testing.T) {
	t.Parallel()

	resolver := &mockResolver{}
	resolver.On("Resolve", mock.Anything, "https://adtech.test/register?campaign=1", "com.publisher").
		Return("", registration.ErrNotFound)
	poster := respond(http.StatusOK, HeaderRegisterSource, `{"destination":"android-app://com.example"}`)

	f := NewSourceFetcher(poster, resolver, sha256.New(), Options{}, nil)
	src, status, _ := f.FetchSource(context.Background(), appSourceRequest())
	assert.Nil(t, src)
	assert.Equal(t, registration.EntityInvalidEnrollment, status.EntityStatus)
	resolver.AssertExpectations(t)
}

func TestFetchEnrollmentLookupFailureIsRetryable(t *testing.T) {
	t.Parallel()

	resolver := &mockResolver{}
	resolver.On("Resolve", mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("connection refused"))
	poster := respond(http.StatusOK, HeaderRegisterSource, `{"destination":"android-app://com.example"}`)

	f := NewSourceFetcher(poster, resolver, sha256.New(), Options{}, nil)
	src, status, _ := f.FetchSource(context.Background(), appSourceRequest())
	assert.Nil(t, src)
	assert.Equal(t, registration.ResponseNetworkError, status.ResponseStatus)
	assert.True(t, status.CanRetry())
}

func TestFetchEnrollmentCheckDisabled(t *testing.T) {
	t.Parallel()

	poster := respond(http.StatusOK, HeaderRegisterSource, `{"destination":"android-app://com.example"}`)
	resolver := &mockResolver{}

	f := NewSourceFetcher(poster, resolver, sha256.New(), Options{EnrollmentCheckDisabled: true}, nil)
	src, status, _ := f.FetchSource(context.Background(), appSourceRequest())
	require.NotNil(t, src)
	assert.Equal(t, registration.EntitySuccess, status.EntityStatus)
	assert.Equal(t, FakeEnrollment, src.EnrollmentID)
	resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchCollectsRedirectsForAppRequestsOnly(t *testing.T) {
	t.Parallel()

	newPoster := func() *stubPoster {
		return respond(http.StatusFound,
			HeaderRegisterSource, `{"destination":"android-app://com.example"}`,
			HeaderRedirect, "https://r1.test",
			HeaderLocation, "https://loc.test")
	}

	f := NewSourceFetcher(newPoster(), enrolled("e"), sha256.New(), Options{MaxRedirects: 20}, nil)
	_, status, redirects := f.FetchSource(context.Background(), appSourceRequest())
	assert.Equal(t, registration.ResponseSuccess, status.ResponseStatus)
	assert.Equal(t, []string{"https://r1.test", "https://loc.test"}, redirects.All())

	web := appSourceRequest()
	web.Type = registration.WebSource
	web.TopOrigin = "https://publisher.test"
	f = NewSourceFetcher(newPoster(), enrolled("e"), sha256.New(), Options{MaxRedirects: 20}, nil)
	_, _, redirects = f.FetchSource(context.Background(), web)
	assert.Equal(t, 0, redirects.Len())
}

func TestFetchWithoutRegistrationOrigin(t *testing.T) {
	t.Parallel()

	poster := respond(http.StatusOK, HeaderRegisterSource, `{"destination":"android-app://com.example"}`)
	req := appSourceRequest()
	req.RegistrationURI = "android-app://com.adtech/register"

	f := NewSourceFetcher(poster, enrolled("e"), sha256.New(), Options{}, nil)
	src, status, _ := f.FetchSource(context.Background(), req)
	assert.Nil(t, src)
	assert.Equal(t, registration.ResponseSuccess, status.ResponseStatus)
	assert.Equal(t, registration.EntityUnknown, status.EntityStatus)
}
