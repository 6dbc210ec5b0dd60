package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRunMergesOverridesAndSharedSettings(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s failed: %v", name, err)
		}
	}
	write("api.yaml", "server:\n  addr: 0.0.0.0:8000\n  readTimeout: 30s\nstorage:\n  jobsRoot: storage/jobs\n")
	write("cli.yaml", "baseURL: http://127.0.0.1:8000\ntimeout: 30s\n")
	write("profile.yaml", `outputDir: out
shared:
  jobsRoot: /srv/jobs
  apiAddr: "10.0.0.5:8000"
services:
  evaluate-api:
    base: api.yaml
    overrides:
      server:
        readTimeout: 5s
  cli:
    base: cli.yaml
    output: client.yaml
`)

	if err := run(filepath.Join(dir, "profile.yaml"), ""); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var api map[string]map[string]string
	data, err := os.ReadFile(filepath.Join(dir, "out", "api.yaml"))
	if err != nil {
		t.Fatalf("read api config failed: %v", err)
	}
	if err := yaml.Unmarshal(data, &api); err != nil {
		t.Fatalf("parse api config failed: %v", err)
	}
	if api["server"]["readTimeout"] != "5s" || api["server"]["addr"] != "10.0.0.5:8000" || api["storage"]["jobsRoot"] != "/srv/jobs" {
		t.Fatalf("unexpected api config %v", api)
	}

	var cli map[string]string
	data, err = os.ReadFile(filepath.Join(dir, "out", "client.yaml"))
	if err != nil {
		t.Fatalf("read cli config failed: %v", err)
	}
	_ = yaml.Unmarshal(data, &cli)
	if cli["baseURL"] != "http://10.0.0.5:8000" || cli["timeout"] != "30s" {
		t.Fatalf("unexpected cli config %v", cli)
	}
}

func TestSetPathRefusesScalarParent(t *testing.T) {
	doc := document{"storage": "inline"}
	if err := setPath(doc, "storage.jobsRoot", "/srv/jobs"); err == nil {
		t.Fatalf("expected scalar parent to be rejected")
	}
	doc = document{}
	if err := setPath(doc, "server.addr", ":8000"); err != nil {
		t.Fatalf("set path failed: %v", err)
	}
	if doc["server"].(document)["addr"] != ":8000" {
		t.Fatalf("unexpected doc %v", doc)
	}
}

func TestOverlayMergesNestedMaps(t *testing.T) {
	doc := document{"logger": document{"level": "info", "format": "json"}, "worker": document{"poolSize": 2}}
	overlay(doc, document{"logger": document{"level": "debug"}, "worker": "off"})
	logger := doc["logger"].(document)
	if logger["level"] != "debug" || logger["format"] != "json" || doc["worker"] != "off" {
		t.Fatalf("unexpected merge result %v", doc)
	}
}
