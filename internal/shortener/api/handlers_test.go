package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shortener/internal/shortener/core"
)

type fakeShortener struct {
	shortenRes *core.ShortenResult
	shortenErr error
	resolveURL string
	resolveErr error
	statsRes   *core.URLStats
	statsErr   error

	lastURL    string
	lastCustom string
	lastCode   string
}

func (f *fakeShortener) Shorten(ctx context.Context, originalURL, customCode string) (*core.ShortenResult, error) {
	f.lastURL, f.lastCustom = originalURL, customCode
	return f.shortenRes, f.shortenErr
}

func (f *fakeShortener) Resolve(ctx context.Context, code string) (string, error) {
	f.lastCode = code
	return f.resolveURL, f.resolveErr
}

func (f *fakeShortener) Stats(ctx context.Context, code string) (*core.URLStats, error) {
	f.lastCode = code
	return f.statsRes, f.statsErr
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestServer(svc Shortener, pings map[string]Pinger) *httptest.Server {
	h := NewHandler(svc, pings, zerolog.Nop())
	return httptest.NewServer(h.Router())
}

func TestShortenCreated(t *testing.T) {
	svc := &fakeShortener{shortenRes: &core.ShortenResult{
		ShortCode:   "00000abc",
		ShortURL:    "http://sho.rt/00000abc",
		OriginalURL: "https://example.com/page",
		CreatedAt:   time.Unix(1700000000, 0),
	}}
	srv := newTestServer(svc, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/shorten", "application/json",
		strings.NewReader(`{"url":"https://example.com/page"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var body shortenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ShortCode != "00000abc" || body.ShortURL != "http://sho.rt/00000abc" {
		t.Fatalf("unexpected body %+v", body)
	}
	if svc.lastURL != "https://example.com/page" {
		t.Fatalf("service saw %q", svc.lastURL)
	}
}

func TestShortenCustomCodePassedThrough(t *testing.T) {
	svc := &fakeShortener{shortenRes: &core.ShortenResult{ShortCode: "mylink"}}
	srv := newTestServer(svc, nil)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/shorten", "application/json",
		strings.NewReader(`{"url":"https://example.com","custom_code":"mylink"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if svc.lastCustom != "mylink" {
		t.Fatalf("custom code not forwarded, saw %q", svc.lastCustom)
	}
}

func TestShortenErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", core.ErrInvalidArgument, http.StatusUnprocessableEntity},
		{"conflict", core.ErrConflict, http.StatusConflict},
		{"exhausted", core.ErrUnavailable, http.StatusServiceUnavailable},
		{"contended", core.ErrTemporarilyUnavailable, http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeShortener{shortenErr: tc.err}, nil)
			defer srv.Close()
			resp, err := http.Post(srv.URL+"/api/shorten", "application/json",
				strings.NewReader(`{"url":"https://example.com"}`))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestShortenRejectsBadJSON(t *testing.T) {
	srv := newTestServer(&fakeShortener{}, nil)
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/api/shorten", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRedirect(t *testing.T) {
	svc := &fakeShortener{resolveURL: "https://example.com/target"}
	srv := newTestServer(svc, nil)
	defer srv.Close()

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/00000abc")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://example.com/target" {
		t.Fatalf("unexpected Location %q", loc)
	}
	if svc.lastCode != "00000abc" {
		t.Fatalf("service saw code %q", svc.lastCode)
	}
}

func TestRedirectUnknownCode(t *testing.T) {
	srv := newTestServer(&fakeShortener{resolveErr: core.ErrNotFound}, nil)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/nope1234")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	// The service already folds buffered clicks into Clicks; the handler
	// must pass the total through, not add buffered again.
	svc := &fakeShortener{statsRes: &core.URLStats{
		ShortCode:      "00000abc",
		ShortURL:       "http://sho.rt/00000abc",
		OriginalURL:    "https://example.com",
		CreatedAt:      time.Unix(1700000000, 0),
		Clicks:         107,
		BufferedClicks: 7,
	}}
	srv := newTestServer(svc, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stats/00000abc")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Clicks != 107 || body.BufferedClicks != 7 {
		t.Fatalf("unexpected stats %+v", body)
	}
}

func TestHealthHealthy(t *testing.T) {
	srv := newTestServer(&fakeShortener{}, map[string]Pinger{
		"cache":    &fakePinger{},
		"database": &fakePinger{},
	})
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["cache"] != "healthy" || body["database"] != "healthy" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHealthDegraded(t *testing.T) {
	srv := newTestServer(&fakeShortener{}, map[string]Pinger{
		"cache":    &fakePinger{err: errors.New("connection refused")},
		"database": &fakePinger{},
	})
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(&fakeShortener{}, nil)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
