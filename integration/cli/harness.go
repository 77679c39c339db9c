//go:build integration

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/wsync/internal/testutil"
)

const (
	testWorkspace  = "demo"
	testToken      = "integration-token"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the wsync binary and runs it against a fake workspace API
// serving an in-memory remote
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
	server  *httptest.Server
	remote  *FakeRemote
}

// NewHarness creates a new test harness with an empty remote and workspace
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	remote := NewFakeRemote()
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)
	return &Harness{
		t:       t,
		workDir: t.TempDir(),
		server:  srv,
		remote:  remote,
	}
}

// Build compiles the wsync binary into a temporary directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "wsync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/wsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	h.t.Logf("Built %s", h.binary)
	return nil
}

// WriteConfig writes wsync.yaml pointing at the fake remote
func (h *Harness) WriteConfig(sync string) {
	h.t.Helper()
	config := fmt.Sprintf(`remote:
  url: %s
  workspace: %s
  token: ${WSYNC_IT_TOKEN}

sync:
%s
`, h.server.URL, testWorkspace, sync)
	h.WriteFile("wsync.yaml", config)
}

// Run executes wsync inside the workspace directory
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(), "WSYNC_IT_TOKEN="+testToken)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes wsync and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// WriteFile writes a file relative to the workspace directory
func (h *Harness) WriteFile(name, content string) {
	h.t.Helper()
	p := filepath.Join(h.workDir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a file relative to the workspace directory
func (h *Harness) ReadFile(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.workDir, name))
	return string(data), err
}

// RemoveFile deletes a file relative to the workspace directory
func (h *Harness) RemoveFile(name string) {
	h.t.Helper()
	if err := os.Remove(filepath.Join(h.workDir, name)); err != nil {
		h.t.Fatalf("remove file: %v", err)
	}
}

// FileExists checks if a file exists in the workspace directory
func (h *Harness) FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.workDir, name))
	return err == nil
}

// FakeRemote is an in-memory workspace API. Entities are stored per
// collection, keyed by their path field.
type FakeRemote struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]any
	log   []RequestLogEntry
}

// RequestLogEntry records one write request received by the fake
type RequestLogEntry struct {
	Method string
	Path   string
}

// String returns a human-readable representation
func (e RequestLogEntry) String() string {
	return e.Method + " " + e.Path
}

// NewFakeRemote creates an empty remote
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{items: make(map[string]map[string]map[string]any)}
}

// Set stores an entity as if it was edited on the remote
func (f *FakeRemote) Set(collection, name string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items[collection] == nil {
		f.items[collection] = make(map[string]map[string]any)
	}
	payload["path"] = name
	f.items[collection][name] = payload
}

// Get returns a stored entity
func (f *FakeRemote) Get(collection, name string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[collection][name]
	return v, ok
}

// Writes returns the write requests received so far
func (f *FakeRemote) Writes() []RequestLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RequestLogEntry(nil), f.log...)
}

// ClearLog forgets recorded requests
func (f *FakeRemote) ClearLog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = nil
}

func (f *FakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/w/"+testWorkspace+"/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if collection, ok := strings.CutSuffix(rest, "/list"); ok {
		f.list(w, collection)
		return
	}
	if strings.HasSuffix(rest, "/get") {
		writeJSON(w, nil)
		return
	}
	for _, action := range []string{"/create", "/update/", "/delete/"} {
		i := strings.Index(rest, action)
		if i < 0 {
			continue
		}
		f.log = append(f.log, RequestLogEntry{Method: r.Method, Path: rest})
		f.write(w, r, rest[:i], strings.Trim(action, "/"), rest[i+len(action):])
		return
	}
	http.NotFound(w, r)
}

func (f *FakeRemote) list(w http.ResponseWriter, collection string) {
	names := make([]string, 0, len(f.items[collection]))
	for name := range f.items[collection] {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, f.items[collection][name])
	}
	writeJSON(w, out)
}

func (f *FakeRemote) write(w http.ResponseWriter, r *http.Request, collection, action, name string) {
	if action == "delete" {
		delete(f.items[collection], name)
		return
	}

	var payload map[string]any
	data, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(data, &payload)
	}
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if name == "" {
		name, _ = payload["path"].(string)
	}
	if f.items[collection] == nil {
		f.items[collection] = make(map[string]map[string]any)
	}
	f.items[collection][name] = payload
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
