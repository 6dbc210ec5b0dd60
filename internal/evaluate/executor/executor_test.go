package executor_test

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"protoeval/internal/evaluate/executor"
	appErr "protoeval/pkg/errors"
)

func TestDecodeDocument(t *testing.T) {
	cases := []struct {
		name    string
		stdout  string
		wantOK  bool
		wantKey string
	}{
		{name: "direct", stdout: `{"commands":[1,2]}`, wantOK: true, wantKey: "commands"},
		{name: "surrounded by log lines", stdout: "loading robot\n{\"commands\":[]}\nbye\n", wantOK: true, wantKey: "commands"},
		{name: "no object", stdout: "Traceback: boom", wantOK: false, wantKey: "error"},
		{name: "empty", stdout: "", wantOK: false, wantKey: "error"},
		// the fallback spans first '{' to last '}' so two objects do not decode
		{name: "two objects", stdout: `{"a":1} noise {"b":2}`, wantOK: false, wantKey: "raw"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, ok := executor.DecodeDocument([]byte(tc.stdout), []byte("stderr text"), "Failed to decode JSON output")
			if ok != tc.wantOK {
				t.Fatalf("expected ok=%v, got %v (%s)", tc.wantOK, ok, doc)
			}
			var decoded map[string]interface{}
			if err := json.Unmarshal(doc, &decoded); err != nil {
				t.Fatalf("document is not a json object: %v", err)
			}
			if _, found := decoded[tc.wantKey]; !found {
				t.Fatalf("expected key %q in %s", tc.wantKey, doc)
			}
			if !ok {
				if decoded["error"] != "Failed to decode JSON output" || decoded["stderr"] != "stderr text" {
					t.Fatalf("unexpected failure document: %s", doc)
				}
				if decoded["raw"] != tc.stdout {
					t.Fatalf("expected raw stdout to be preserved")
				}
			}
		})
	}
}

func requireShell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestProcessRunnerCapturesOutputAndExitCode(t *testing.T) {
	sh := requireShell(t)
	runner := executor.NewProcessRunner(time.Second)

	result, err := runner.Run(context.Background(), executor.Command{
		Path:    sh,
		Args:    []string{"-c", `echo '{"ok":true}'; echo warn 1>&2; exit 3`},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(string(result.Stdout)) != `{"ok":true}` {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	if strings.TrimSpace(string(result.Stderr)) != "warn" {
		t.Fatalf("unexpected stderr: %q", result.Stderr)
	}
	if result.TimedOut || result.Duration() < 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestProcessRunnerKillsAtTimeout(t *testing.T) {
	sh := requireShell(t)
	runner := executor.NewProcessRunner(time.Second)

	start := time.Now()
	result, err := runner.Run(context.Background(), executor.Command{
		Path:    sh,
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if !appErr.Is(err, appErr.ExternalToolTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !result.TimedOut || result.ExitCode == 0 {
		t.Fatalf("expected timed out result, got %+v", result)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("process was not killed promptly")
	}
}

func TestProcessRunnerStartFailure(t *testing.T) {
	runner := executor.NewProcessRunner(0)
	_, err := runner.Run(context.Background(), executor.Command{Path: "/nonexistent/python-interpreter"})
	if !appErr.Is(err, appErr.ExternalToolError) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}
