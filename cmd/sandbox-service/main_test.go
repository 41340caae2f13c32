package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"codesandbox/internal/dispatch/service"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/language"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type echoPipeline struct{}

func (echoPipeline) Run(_ context.Context, sub sandbox.Submission) result.SubmissionResult {
	return result.Success(sub.Source)
}

func (echoPipeline) Budget(languageID string) (time.Duration, bool) {
	return time.Second, languageID == "python"
}

func (echoPipeline) Languages() []language.Info {
	return []language.Info{{ID: "python", Name: "Python 3", Kind: language.KindScript}}
}

func newTestServer(t *testing.T, cfg *AppConfig, limiter service.RateLimiter) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, err := service.NewService(service.Config{Pipeline: echoPipeline{}, PoolSize: 1})
	if err != nil {
		t.Fatalf("create service failed: %v", err)
	}
	reg := prometheus.NewRegistry()
	metrics := observer.NewPrometheus(reg)
	server, err := buildHTTPServer(cfg, svc, limiter, metrics, reg)
	if err != nil {
		t.Fatalf("build http server failed: %v", err)
	}
	return server.Handler
}

func testConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.Server.MaxBodyBytes = defaultMaxBodyBytes
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = defaultMetricsPath
	return cfg
}

func TestRoutes(t *testing.T) {
	handler := newTestServer(t, testConfig(), nil)
	body := testutil.MustMarshalJSON(t, map[string]string{"language": "python", "code": "hi"})

	for _, path := range []string{"/run", "/api/v1/sandbox/run"} {
		w := testutil.Do(handler, http.MethodPost, path, body, map[string]string{"Content-Type": "application/json"})
		testutil.AssertEqual(t, w.Code, http.StatusOK)
		var resp map[string]string
		testutil.MustUnmarshalJSON(t, w.Body.Bytes(), &resp)
		testutil.AssertEqual(t, resp["output"], "hi")
	}

	w := testutil.Do(handler, http.MethodGet, "/api/v1/sandbox/languages", nil, nil)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertTrue(t, strings.Contains(w.Body.String(), `"python"`), "languages listing misses python")

	w = testutil.Do(handler, http.MethodGet, "/healthz", nil, nil)
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	w = testutil.Do(handler, http.MethodGet, "/metrics", nil, nil)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertTrue(t, strings.Contains(w.Body.String(), "codesandbox_"), "metrics missing sandbox series")
}

func TestRunRouteRateLimited(t *testing.T) {
	limiter := service.NewLocalRateLimiter(1, time.Minute)
	handler := newTestServer(t, testConfig(), limiter)
	body := testutil.MustMarshalJSON(t, map[string]string{"language": "python", "code": "hi"})
	headers := map[string]string{"Content-Type": "application/json"}

	w := testutil.Do(handler, http.MethodPost, "/run", body, headers)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	w = testutil.Do(handler, http.MethodPost, "/run", body, headers)
	testutil.AssertEqual(t, w.Code, http.StatusTooManyRequests)
}

func TestRunRouteRateLimitKeysOnPeer(t *testing.T) {
	// httptest requests all come from 192.0.2.1.
	tests := []struct {
		name         string
		trusted      []string
		wantAdmitted int
	}{
		{name: "spoofed header ignored", trusted: nil, wantAdmitted: 2},
		{name: "trusted proxy forwards client", trusted: []string{"192.0.2.0/24"}, wantAdmitted: 20},
	}
	body := testutil.MustMarshalJSON(t, map[string]string{"language": "python", "code": "hi"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.TrustedProxies = tt.trusted
			handler := newTestServer(t, cfg, service.NewLocalRateLimiter(2, time.Minute))

			admitted := 0
			for i := 0; i < 20; i++ {
				w := testutil.Do(handler, http.MethodPost, "/run", body, map[string]string{
					"Content-Type":    "application/json",
					"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i+1),
				})
				if w.Code == http.StatusOK {
					admitted++
				}
			}
			testutil.AssertEqual(t, admitted, tt.wantAdmitted)
		})
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	handler := newTestServer(t, cfg, nil)
	w := testutil.Do(handler, http.MethodGet, "/metrics", nil, nil)
	testutil.AssertEqual(t, w.Code, http.StatusNotFound)
}

func TestGzipResponses(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Gzip = true
	handler := newTestServer(t, cfg, nil)
	code := strings.Repeat("print('hello world')\n", 200)
	body := testutil.MustMarshalJSON(t, map[string]string{"language": "python", "code": code})

	w := testutil.Do(handler, http.MethodPost, "/run", body, map[string]string{
		"Content-Type":    "application/json",
		"Accept-Encoding": "gzip",
	})
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	testutil.AssertEqual(t, w.Header().Get("Content-Encoding"), "gzip")
}
