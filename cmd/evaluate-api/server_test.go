package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadAppConfigAppliesDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, "server:\n  addr: 127.0.0.1:9000\n"))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Upload.MaxFiles != 64 || cfg.Storage.JobsRoot != "storage/jobs" || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadAppConfigRejectsBadValues(t *testing.T) {
	_, err := loadAppConfig(writeConfig(t, "upload:\n  maxFiles: -1\nmetrics:\n  enabled: true\n  path: metrics\n"))
	if err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
	if !strings.Contains(err.Error(), "upload.maxFiles") || !strings.Contains(err.Error(), "metrics.path") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

func TestRouterServesJobRoutesAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg, err := loadAppConfig(writeConfig(t, "metrics:\n  enabled: true\nstorage:\n  jobsRoot: "+t.TempDir()+"\n"))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	svc, gatherer, err := buildService(cfg)
	if err != nil {
		t.Fatalf("build service failed: %v", err)
	}
	router := newRouter(cfg, svc, gatherer)

	cases := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/info", http.StatusOK},
		{"/jobs/missing/status", http.StatusNotFound},
		{"/metrics", http.StatusOK},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("GET %s: expected %d, got %d: %s", tc.path, tc.want, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("expected go collector output in metrics")
	}
}
