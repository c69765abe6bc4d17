package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

const pageURL = "http://reviews.test/product-reviews/B07/?pageNumber=2"

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "<html>reviews</html>")
		resp.Header.Set("Content-Type", "text/html")
		resp.Header.Set("X-Seen-UA", req.Header.Get("User-Agent"))
		resp.Header.Set("X-Seen-Trace", req.Header.Get("X-Trace"))
		return resp, nil
	})

	f, err := New(Config{UserAgent: "review-agent"}, nil, WithTransport(transport))
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     pageURL,
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>reviews</html>", string(resp.Body))
	require.Equal(t, "review-agent", resp.Headers.Get("X-Seen-UA"))
	require.Equal(t, "yes", resp.Headers.Get("X-Seen-Trace"))
	require.False(t, resp.UsedHeadless)
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusOK, "ok"))

	f, err := New(Config{}, nil, WithTransport(transport))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: pageURL})
		require.NoError(t, err)
	}
	require.Equal(t, 2, transport.GetTotalCallCount())
}

func TestFetchKeepsErrorResponses(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		transport := httpmock.NewMockTransport()
		transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(status, "nope"))

		f, err := New(Config{}, nil, WithTransport(transport))
		require.NoError(t, err)
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: pageURL})
		require.NoError(t, err, "status %d", status)
		require.Equal(t, status, resp.StatusCode)
	}
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL, httpmock.NewErrorResponder(errors.New("connection reset")))

	f, err := New(Config{}, nil, WithTransport(transport))
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: pageURL})
	require.Error(t, err)
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Wait(ctx context.Context, _ string) error {
	d.calls++
	return ctx.Err()
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(http.StatusOK, "ok"))
	limiter := &denyLimiter{}

	f, err := New(Config{}, nil, WithTransport(transport), WithLimiter(limiter))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: pageURL})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, limiter.calls)
	require.Zero(t, transport.GetTotalCallCount())
}

func TestFetchProxyRequiresProxies(t *testing.T) {
	t.Parallel()

	f, err := New(Config{}, nil, WithTransport(httpmock.NewMockTransport()))
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: pageURL, UseProxy: true})
	require.ErrorIs(t, err, ErrNoProxies)
}

func TestProxyRotation(t *testing.T) {
	t.Parallel()

	f, err := New(Config{Proxies: []string{"http://p1.test:8080", "http://p2.test:8080"}}, nil)
	require.NoError(t, err)
	require.NotNil(t, f.proxyFunc)

	var hosts []string
	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodGet, pageURL, nil)
		require.NoError(t, err)
		u, err := f.proxyFunc(req)
		require.NoError(t, err)
		hosts = append(hosts, u.Host)
	}
	require.Equal(t, []string{"p1.test:8080", "p2.test:8080", "p1.test:8080"}, hosts)

	_, err = New(Config{Proxies: []string{"://bad"}}, nil)
	require.Error(t, err)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f, err := New(Config{}, nil)
	require.NoError(t, err)
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f, err := New(Config{}, nil)
	require.NoError(t, err)
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
