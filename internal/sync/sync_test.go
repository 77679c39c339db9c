package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	gosync "sync"
	"testing"

	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"

	"github.com/schaermu/wsync/internal/codebase"
	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/remote"
	"github.com/schaermu/wsync/internal/review"
	"github.com/schaermu/wsync/internal/state"
	"github.com/schaermu/wsync/internal/syncerr"
	"github.com/schaermu/wsync/internal/testutil"
	"github.com/schaermu/wsync/internal/treediff"
	"github.com/schaermu/wsync/internal/workspace"
)

func init() {
	color.NoColor = true
}

// mockRemote implements remote.Client over an in-memory workspace
type mockRemote struct {
	mu       gosync.Mutex
	items    map[entity.Kind]map[string]any
	listErr  error
	failures map[string]error // by path
	calls    []string
	uploads  map[string]string // path -> artifact content

	// options seen by List, and by Create and Update per path
	listOpts  []remote.ReadOptions
	writeOpts map[string]remote.WriteOptions
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		items:     make(map[entity.Kind]map[string]any),
		failures:  make(map[string]error),
		uploads:   make(map[string]string),
		writeOpts: make(map[string]remote.WriteOptions),
	}
}

func (m *mockRemote) set(kind entity.Kind, path string, payload map[string]any) {
	if m.items[kind] == nil {
		m.items[kind] = make(map[string]any)
	}
	m.items[kind][path] = payload
}

func (m *mockRemote) get(kind entity.Kind, path string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[kind][path]
	return v, ok
}

func (m *mockRemote) List(_ context.Context, kind entity.Kind, opts remote.ReadOptions) ([]remote.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listOpts = append(m.listOpts, opts)
	if m.listErr != nil {
		return nil, m.listErr
	}
	var items []remote.Item
	for p, v := range m.items[kind] {
		items = append(items, remote.Item{Path: p, Payload: treediff.Clone(v)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func (m *mockRemote) write(op string, kind entity.Kind, path string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("%s %s %s", op, kind, path))
	if err := m.failures[path]; err != nil {
		return err
	}
	if m.items[kind] == nil {
		m.items[kind] = make(map[string]any)
	}
	if payload == nil {
		delete(m.items[kind], path)
	} else {
		m.items[kind][path] = treediff.Clone(payload)
	}
	return nil
}

func (m *mockRemote) Create(_ context.Context, kind entity.Kind, path string, payload any, opts remote.WriteOptions) error {
	m.recordWriteOpts(path, opts)
	return m.write("create", kind, path, payload)
}

func (m *mockRemote) Update(_ context.Context, kind entity.Kind, path string, payload any, opts remote.WriteOptions) error {
	m.recordWriteOpts(path, opts)
	return m.write("update", kind, path, payload)
}

func (m *mockRemote) recordWriteOpts(path string, opts remote.WriteOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeOpts[path] = opts
}

func (m *mockRemote) Delete(_ context.Context, kind entity.Kind, path string) error {
	return m.write("delete", kind, path, nil)
}

func (m *mockRemote) UploadArtifact(_ context.Context, path, digest string, artifact io.Reader) error {
	data, err := io.ReadAll(artifact)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "upload "+path+" "+digest)
	m.uploads[path] = string(data)
	return nil
}

func (m *mockRemote) writeCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// mockReviewer records reviewed conflicts and answers with a fixed decision
type mockReviewer struct {
	mu       gosync.Mutex
	accept   bool
	err      error
	reviewed []review.Conflict
}

func (m *mockReviewer) Review(_ context.Context, c review.Conflict) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewed = append(m.reviewed, c)
	if m.err != nil || !m.accept {
		return nil, false, m.err
	}
	return treediff.Clone(c.Incoming()), true, nil
}

// mockBundler writes a fake bundle
type mockBundler struct {
	fs    billy.Filesystem
	calls int
}

func (m *mockBundler) Bundle(_ context.Context, _ codebase.Codebase, entrypoint, outfile string) error {
	m.calls++
	return util.WriteFile(m.fs, outfile, []byte("bundled "+entrypoint), 0o644)
}

type fixture struct {
	fs     billy.Filesystem
	remote *mockRemote
	store  *state.Store
	deps   Deps
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	fs := testutil.MemFS(t, files)
	store, err := state.Open(fs, state.DefaultPath)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	rem := newMockRemote()
	return &fixture{
		fs:     fs,
		remote: rem,
		store:  store,
		deps: Deps{
			Remote:   rem,
			Tree:     workspace.New(fs, workspace.Options{DefaultTs: "bun"}, testutil.Logger()),
			State:    store,
			Reviewer: review.Unresolved{},
		},
	}
}

func (f *fixture) engine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.DefaultTs == "" {
		opts.DefaultTs = "bun"
	}
	e, err := NewEngine(opts, f.deps, testutil.Logger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// outcomes maps "kind path" to "action/status"
func outcomes(r *Report) map[string]string {
	out := make(map[string]string)
	for _, o := range r.Outcomes {
		key := string(o.Kind) + " " + o.Path
		if o.Kind == "" {
			key = o.File
		}
		out[key] = string(o.Action) + "/" + string(o.Status)
	}
	return out
}

const helloScript = "summary: hi\nlanguage: python3\ncontent: !inline hello.py\n"

func helloRemote(summary string) map[string]any {
	return map[string]any{
		"path":      "f/app/hello",
		"summary":   summary,
		"language":  "python3",
		"content":   "print(1)\n",
		"edited_at": "2024-05-01T10:00:00Z",
	}
}

func TestPush_CreateUpdateDelete(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/hello.script.yaml":   helloScript,
		"f/app/hello.py":            "print(1)\n",
		"f/app/token.variable.yaml": "value: new\nis_secret: false\n",
	})
	f.remote.set(entity.KindVariable, "f/app/token", map[string]any{"path": "f/app/token", "value": "old", "is_secret": false})
	f.remote.set(entity.KindResource, "f/app/db", map[string]any{"path": "f/app/db", "value": map[string]any{}})

	report, err := f.engine(t, Options{}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	want := map[string]string{
		"script f/app/hello":   "push-create/applied",
		"variable f/app/token": "push-update/applied",
		"resource f/app/db":    "push-delete/applied",
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	got, _ := f.remote.get(entity.KindScript, "f/app/hello")
	wantScript := map[string]any{"summary": "hi", "language": "python3", "content": "print(1)\n"}
	if diff := cmp.Diff(wantScript, got); diff != "" {
		t.Errorf("pushed script mismatch (-want +got):\n%s", diff)
	}
	if _, ok := f.remote.get(entity.KindResource, "f/app/db"); ok {
		t.Error("expected remote resource to be deleted")
	}
	if report.Err(false) != nil {
		t.Errorf("unexpected report error: %v", report.Err(false))
	}
}

func TestPush_UnchangedMakesNoWriteCalls(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/hello.script.yaml": helloScript,
		"f/app/hello.py":          "print(1)\n",
	})
	f.remote.set(entity.KindScript, "f/app/hello", helloRemote("hi"))

	report, err := f.engine(t, Options{}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if calls := f.remote.writeCalls(); len(calls) != 0 {
		t.Errorf("expected no write calls, got %v", calls)
	}
	if got := outcomes(report)["script f/app/hello"]; got != "skip/skipped" {
		t.Errorf("expected skip, got %s", got)
	}
}

func TestPush_FailureIsolation(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/a.variable.yaml": "value: a\n",
		"f/app/b.variable.yaml": "value: b\n",
		"f/app/c.variable.yaml": "value: c\n",
	})
	f.remote.failures["f/app/b"] = syncerr.Validation("f/app/b", errors.New("bad payload"))

	report, err := f.engine(t, Options{Parallel: 3}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	want := map[string]string{
		"variable f/app/a": "push-create/applied",
		"variable f/app/b": "push-create/error",
		"variable f/app/c": "push-create/applied",
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	err = report.Err(false)
	if !syncerr.Is(err, syncerr.KindValidation) {
		t.Errorf("expected validation error in report, got %v", err)
	}
	for _, o := range report.Outcomes {
		if o.Path == "f/app/b" && o.ErrorKind != syncerr.KindValidation {
			t.Errorf("expected error kind validation, got %q", o.ErrorKind)
		}
	}
}

func TestPush_ListFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.listErr = syncerr.Transport("", errors.New("connection refused"))
	if _, err := f.engine(t, Options{}).Push(context.Background()); err == nil {
		t.Fatal("expected error when remote listing fails")
	}
}

// stateful fixture where local and remote both changed the summary
func conflictFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, map[string]string{
		"f/app/hello.script.yaml": "summary: local\nlanguage: python3\ncontent: !inline hello.py\n",
		"f/app/hello.py":          "print(1)\n",
	})
	f.remote.set(entity.KindScript, "f/app/hello", helloRemote("remote"))
	ref := entity.NewRef(entity.KindScript, "f/app/hello", false)
	if err := f.store.Put(ref, map[string]any{"summary": "base", "language": "python3", "content": "print(1)\n"}); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestPush_ConflictWithFailConflicts(t *testing.T) {
	f := conflictFixture(t)
	reviewer := &mockReviewer{accept: true}
	f.deps.Reviewer = reviewer

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true, FailConflicts: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := outcomes(report)["script f/app/hello"]; got != "conflict/conflict" {
		t.Errorf("expected conflict, got %s", got)
	}
	if len(reviewer.reviewed) != 0 {
		t.Error("conflicts must not be reviewed with fail-conflicts")
	}
	if len(f.remote.writeCalls()) != 0 {
		t.Error("conflicting entity must not be written")
	}
	if !syncerr.Is(report.Err(true), syncerr.KindConflict) {
		t.Errorf("expected conflict error, got %v", report.Err(true))
	}
	if report.Err(false) != nil {
		t.Error("conflicts only fail the run with fail-conflicts")
	}
}

func TestPush_ConflictAcceptedByReviewer(t *testing.T) {
	f := conflictFixture(t)
	reviewer := &mockReviewer{accept: true}
	f.deps.Reviewer = reviewer

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := outcomes(report)["script f/app/hello"]; got != "push-update/applied" {
		t.Errorf("expected reviewed push-update, got %s", got)
	}
	if len(reviewer.reviewed) != 1 || reviewer.reviewed[0].Direction != review.Push {
		t.Fatalf("expected one push review, got %+v", reviewer.reviewed)
	}
	if fields := reviewer.reviewed[0].Result.Fields; len(fields) != 1 || fields[0].Path.String() != "summary" {
		t.Errorf("expected summary conflict, got %+v", fields)
	}

	got, _ := f.remote.get(entity.KindScript, "f/app/hello")
	if got.(map[string]any)["summary"] != "local" {
		t.Errorf("expected local summary pushed, got %v", got)
	}
	base, ok := f.store.Get(entity.NewRef(entity.KindScript, "f/app/hello", false))
	if !ok || base.(map[string]any)["summary"] != "local" {
		t.Errorf("expected base rewritten to pushed payload, got %v", base)
	}
}

func TestPush_ConflictUnresolved(t *testing.T) {
	f := conflictFixture(t)
	f.deps.Reviewer = &mockReviewer{accept: false}

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := outcomes(report)["script f/app/hello"]; got != "conflict/conflict" {
		t.Errorf("expected unresolved conflict, got %s", got)
	}
	if len(f.remote.writeCalls()) != 0 {
		t.Error("unresolved conflict must not be written")
	}
}

func TestPush_ReviewError(t *testing.T) {
	f := conflictFixture(t)
	f.deps.Reviewer = &mockReviewer{err: review.ErrAborted}

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !errors.Is(report.Err(false), review.ErrAborted) {
		t.Errorf("expected aborted review in report, got %v", report.Err(false))
	}
}

func TestPush_OnlyRemoteChangedSkips(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/hello.script.yaml": "summary: base\nlanguage: python3\ncontent: !inline hello.py\n",
		"f/app/hello.py":          "print(1)\n",
	})
	f.remote.set(entity.KindScript, "f/app/hello", helloRemote("remote"))
	ref := entity.NewRef(entity.KindScript, "f/app/hello", false)
	base := map[string]any{"summary": "base", "language": "python3", "content": "print(1)\n"}
	if err := f.store.Put(ref, base); err != nil {
		t.Fatal(err)
	}

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := outcomes(report)["script f/app/hello"]; got != "skip/skipped" {
		t.Errorf("expected skip, got %s", got)
	}
	got, _ := f.store.Get(ref)
	if diff := cmp.Diff(any(base), got); diff != "" {
		t.Errorf("base must stay untouched when only the remote changed (-want +got):\n%s", diff)
	}
}

func TestPush_ConvergedRefreshesBase(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/hello.script.yaml": "summary: same\nlanguage: python3\ncontent: !inline hello.py\n",
		"f/app/hello.py":          "print(1)\n",
	})
	f.remote.set(entity.KindScript, "f/app/hello", helloRemote("same"))
	ref := entity.NewRef(entity.KindScript, "f/app/hello", false)
	if err := f.store.Put(ref, map[string]any{"summary": "base"}); err != nil {
		t.Fatal(err)
	}

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := outcomes(report)["script f/app/hello"]; got != "skip/skipped" {
		t.Errorf("expected silent skip, got %s", got)
	}
	got, _ := f.store.Get(ref)
	if got.(map[string]any)["summary"] != "same" {
		t.Errorf("expected base refreshed to converged value, got %v", got)
	}
	if !testutil.Exists(f.fs, state.DefaultPath) {
		t.Error("expected state file to be saved")
	}
}

func TestPush_StatefulPullsFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.set(entity.KindVariable, "f/app/token", map[string]any{"path": "f/app/token", "value": "v", "is_secret": false})

	report, err := f.engine(t, Options{Stateful: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if report.Pulled == nil {
		t.Fatal("expected a pull report")
	}
	if got := outcomes(report.Pulled)["variable f/app/token"]; got != "pull-create/applied" {
		t.Errorf("expected pull-create, got %s", got)
	}
	if got := outcomes(report)["variable f/app/token"]; got != "skip/skipped" {
		t.Errorf("expected push to skip the pulled entity, got %s", got)
	}
	if calls := f.remote.writeCalls(); len(calls) != 0 {
		t.Errorf("expected no remote writes, got %v", calls)
	}
	if got := testutil.ReadFile(t, f.fs, "f/app/token.variable.yaml"); !strings.Contains(got, "value: v") {
		t.Errorf("unexpected pulled file:\n%s", got)
	}
}

func TestPush_StatefulLocalDeleteRules(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.set(entity.KindVariable, "f/app/never", map[string]any{"value": "x"})
	f.remote.set(entity.KindVariable, "f/app/clean", map[string]any{"value": "x"})
	f.remote.set(entity.KindVariable, "f/app/moved", map[string]any{"value": "changed"})
	for _, p := range []string{"f/app/clean", "f/app/moved"} {
		if err := f.store.Put(entity.NewRef(entity.KindVariable, p, false), map[string]any{"value": "x"}); err != nil {
			t.Fatal(err)
		}
	}

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true, FailConflicts: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	want := map[string]string{
		"variable f/app/never": "skip/skipped",
		"variable f/app/clean": "push-delete/applied",
		"variable f/app/moved": "conflict/conflict",
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if _, ok := f.store.Get(entity.NewRef(entity.KindVariable, "f/app/clean", false)); ok {
		t.Error("expected base of deleted entity to be dropped")
	}
}

func TestPush_StatefulRemoteDeleteRules(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/kept.variable.yaml":   "value: x\n",
		"f/app/edited.variable.yaml": "value: y\n",
	})
	for _, p := range []string{"f/app/kept", "f/app/edited"} {
		if err := f.store.Put(entity.NewRef(entity.KindVariable, p, false), map[string]any{"value": "x"}); err != nil {
			t.Fatal(err)
		}
	}
	reviewer := &mockReviewer{accept: true}
	f.deps.Reviewer = reviewer

	report, err := f.engine(t, Options{Stateful: true, SkipPull: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	want := map[string]string{
		"variable f/app/kept":   "skip/skipped",
		"variable f/app/edited": "push-create/applied",
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"create variable f/app/edited"}, f.remote.writeCalls()); diff != "" {
		t.Errorf("write calls mismatch (-want +got):\n%s", diff)
	}
	if len(reviewer.reviewed) != 1 {
		t.Fatalf("expected one review, got %d", len(reviewer.reviewed))
	}
}

func TestPull_CreateUpdateDelete(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/old.variable.yaml":  "value: gone\n",
		"f/app/keep.variable.yaml": "value: stale\n",
	})
	f.remote.set(entity.KindVariable, "f/app/keep", map[string]any{"path": "f/app/keep", "value": "fresh"})
	f.remote.set(entity.KindScript, "f/app/hello", helloRemote("hi"))

	report, err := f.engine(t, Options{}).Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	want := map[string]string{
		"script f/app/hello":  "pull-create/applied",
		"variable f/app/keep": "pull-update/applied",
		"variable f/app/old":  "pull-delete/applied",
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}

	files := testutil.ListFiles(t, f.fs)
	wantFiles := []string{"f/app/hello.py", "f/app/hello.script.yaml", "f/app/keep.variable.yaml"}
	if diff := cmp.Diff(wantFiles, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	meta := testutil.ReadFile(t, f.fs, "f/app/hello.script.yaml")
	if strings.Contains(meta, "edited_at") || strings.Contains(meta, "path:") {
		t.Errorf("server fields must not be written:\n%s", meta)
	}
	if calls := f.remote.writeCalls(); len(calls) != 0 {
		t.Errorf("pull must not write to the remote, got %v", calls)
	}
}

func TestPull_StatefulRecordsBase(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/local.variable.yaml": "value: mine\n",
	})
	f.remote.set(entity.KindVariable, "f/app/token", map[string]any{"path": "f/app/token", "value": "v"})

	report, err := f.engine(t, Options{Stateful: true}).Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	want := map[string]string{
		"variable f/app/token": "pull-create/applied",
		"variable f/app/local": "skip/skipped",
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}

	reopened, err := state.Open(f.fs, state.DefaultPath)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	base, ok := reopened.Get(entity.NewRef(entity.KindVariable, "f/app/token", false))
	if diff := cmp.Diff(any(map[string]any{"value": "v"}), base); !ok || diff != "" {
		t.Errorf("expected persisted base (-want +got):\n%s", diff)
	}
	if testutil.Exists(f.fs, "f/app/local.variable.yaml") == false {
		t.Error("never synced local entity must be kept")
	}
}

func TestPull_UnknownFileIsReportedOnly(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/mystery.yaml": "a: 1\n",
	})
	f.remote.set(entity.KindVariable, "f/app/token", map[string]any{"value": "v"})

	report, err := f.engine(t, Options{}).Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	got := outcomes(report)
	if got["variable f/app/token"] != "pull-create/applied" {
		t.Errorf("expected other entities to sync, got %v", got)
	}
	if got["f/app/mystery.yaml"] != "/error" {
		t.Errorf("expected unknown file error, got %v", got)
	}
	if !syncerr.Is(report.Err(false), syncerr.KindUnknownEntityType) {
		t.Errorf("expected unknown entity type error, got %v", report.Err(false))
	}
}

func TestPull_UnreadableLocalEntityIsNotOverwritten(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/hello.script.yaml": "content: '!inline missing.py'\n",
	})
	f.remote.set(entity.KindScript, "f/app/hello", helloRemote("hi"))

	report, err := f.engine(t, Options{}).Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got := outcomes(report)["script f/app/hello"]; got != "/error" {
		t.Errorf("expected read error only, got %s", got)
	}
	if got := testutil.ReadFile(t, f.fs, "f/app/hello.script.yaml"); got != "content: '!inline missing.py'\n" {
		t.Errorf("local file must be left alone, got %q", got)
	}
}

func TestPush_DryRun(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/a.variable.yaml": "value: a\n",
	})
	f.remote.set(entity.KindVariable, "f/app/b", map[string]any{"value": "b"})
	var out bytes.Buffer
	f.deps.Printer = review.NewPrinter(&out)

	report, err := f.engine(t, Options{DryRun: true, ShowDiffs: true}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	want := map[string]string{
		"variable f/app/a": "push-create/planned",
		"variable f/app/b": "push-delete/planned",
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if calls := f.remote.writeCalls(); len(calls) != 0 {
		t.Errorf("dry run must not write, got %v", calls)
	}
	if !strings.Contains(out.String(), "push-create variable f/app/a") {
		t.Errorf("expected diff output, got:\n%s", out.String())
	}
	if !report.DryRun {
		t.Error("expected report to be marked as dry run")
	}
}

func TestPush_KindOrder(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/folder.meta.yaml":   "owners: []\n",
		"f/app/a.script.yaml":      "language: python3\ncontent: !inline a.py\n",
		"f/app/a.py":               "print(1)\n",
		"f/app/etl.flow/flow.yaml": "summary: etl\nvalue:\n  modules: []\n",
	})
	f.remote.set(entity.KindScript, "f/app/old", map[string]any{"content": "x"})
	f.remote.set(entity.KindFlow, "f/app/oldflow", map[string]any{"summary": "x"})

	if _, err := f.engine(t, Options{Parallel: 4}).Push(context.Background()); err != nil {
		t.Fatalf("Push: %v", err)
	}

	calls := f.remote.writeCalls()
	index := func(call string) int {
		i := slices.Index(calls, call)
		if i < 0 {
			t.Fatalf("missing call %q in %v", call, calls)
		}
		return i
	}
	order := []string{
		"create folder f/app",
		"create script f/app/a",
		"create flow f/app/etl",
		"delete flow f/app/oldflow",
		"delete script f/app/old",
	}
	for i := 1; i < len(order); i++ {
		if index(order[i-1]) > index(order[i]) {
			t.Errorf("expected %q before %q, got %v", order[i-1], order[i], calls)
		}
	}
}

func TestPush_InterruptedBeforeApply(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/a.variable.yaml": "value: a\n",
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine(t, Options{}).Push(ctx)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := outcomes(report)["variable f/app/a"]; got != "push-create/error" {
		t.Errorf("expected interrupted entity, got %s", got)
	}
	if len(f.remote.writeCalls()) != 0 {
		t.Error("no entity may start after interruption")
	}
}

func TestPush_FiltersLimitParticipation(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/a.variable.yaml":    "value: a\n",
		"f/legacy/b.variable.yaml": "value: b\n",
	})
	f.remote.set(entity.KindVariable, "f/legacy/c", map[string]any{"value": "c"})
	f.remote.set(entity.KindSchedule, "f/app/nightly", map[string]any{"schedule": "0 0 * * *"})

	report, err := f.engine(t, Options{Filter: entity.Filter{Excludes: []string{"f/legacy/**"}}}).Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	want := map[string]string{"variable f/app/a": "push-create/applied"}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestPush_CodebaseBundle(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/main.script.yaml": "language: bun\ncontent: !inline main.ts\n",
		"f/app/main.ts":          "import { x } from './lib'\n",
		"f/app/lib.ts":           "export const x = 1\n",
	})
	bundler := &mockBundler{fs: f.fs}
	f.deps.Bundles = codebase.NewCache(f.fs, ".wsync/bundles", bundler, testutil.Logger())
	opts := Options{Codebases: []codebase.Codebase{{RelativePath: "f/app"}}}

	digest, err := codebase.Digest(f.fs, opts.Codebases[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine(t, opts).Push(context.Background()); err != nil {
		t.Fatalf("Push: %v", err)
	}

	pushed, _ := f.remote.get(entity.KindScript, "f/app/main")
	if pushed.(map[string]any)["codebase"] != digest {
		t.Errorf("expected codebase digest %s in payload, got %v", digest, pushed)
	}
	if got := f.remote.uploads["f/app/main"]; got != "bundled f/app/main.ts" {
		t.Errorf("unexpected uploaded artifact %q", got)
	}

	// unchanged sources: nothing to bundle or upload
	if _, err := f.engine(t, opts).Push(context.Background()); err != nil {
		t.Fatalf("second Push: %v", err)
	}
	if bundler.calls != 1 {
		t.Errorf("expected a single bundler run, got %d", bundler.calls)
	}
	if n := len(f.remote.writeCalls()); n != 2 {
		t.Errorf("expected create and upload only, got %v", f.remote.writeCalls())
	}
}

func TestPull_StripsCodebaseDigest(t *testing.T) {
	f := newFixture(t, nil)
	remotePayload := map[string]any{"path": "f/app/main", "language": "bun", "content": "export {}\n", "codebase": "abc"}
	f.remote.set(entity.KindScript, "f/app/main", remotePayload)

	if _, err := f.engine(t, Options{Stateful: true}).Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if meta := testutil.ReadFile(t, f.fs, "f/app/main.script.yaml"); strings.Contains(meta, "codebase") {
		t.Errorf("codebase digest must not be written locally:\n%s", meta)
	}
	base, _ := f.store.Get(entity.NewRef(entity.KindScript, "f/app/main", false))
	if base.(map[string]any)["codebase"] != "abc" {
		t.Errorf("base keeps the remote payload, got %v", base)
	}
}

func TestPull_CodebaseDigestDifferenceSettles(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/main.script.yaml": "language: bun\ncontent: !inline main.ts\n",
		"f/app/main.ts":          "export {}\n",
	})
	f.remote.set(entity.KindScript, "f/app/main", map[string]any{
		"path":     "f/app/main",
		"language": "bun",
		"content":  "export {}\n",
		"codebase": "olddigest",
	})
	opts := Options{Codebases: []codebase.Codebase{{RelativePath: "f/app"}}}

	for _, run := range []string{"first", "second"} {
		report, err := f.engine(t, opts).Pull(context.Background())
		if err != nil {
			t.Fatalf("%s Pull: %v", run, err)
		}
		if got := outcomes(report)["script f/app/main"]; got != "skip/skipped" {
			t.Errorf("%s pull: expected skip, got %s", run, got)
		}
	}
	if meta := testutil.ReadFile(t, f.fs, "f/app/main.script.yaml"); strings.Contains(meta, "codebase") {
		t.Errorf("codebase digest must not be written locally:\n%s", meta)
	}
}

func TestPull_StatefulCodebaseDigestKeepsRemoteInBase(t *testing.T) {
	f := newFixture(t, map[string]string{
		"f/app/main.script.yaml": "language: bun\ncontent: !inline main.ts\n",
		"f/app/main.ts":          "export {}\n",
	})
	f.remote.set(entity.KindScript, "f/app/main", map[string]any{
		"language": "bun",
		"content":  "export {}\n",
		"codebase": "remotedigest",
	})
	opts := Options{Stateful: true, Codebases: []codebase.Codebase{{RelativePath: "f/app"}}}

	report, err := f.engine(t, opts).Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if got := outcomes(report)["script f/app/main"]; got != "skip/skipped" {
		t.Errorf("expected skip, got %s", got)
	}
	base, ok := f.store.Get(entity.NewRef(entity.KindScript, "f/app/main", false))
	if !ok || base.(map[string]any)["codebase"] != "remotedigest" {
		t.Errorf("expected base to keep the remote digest, got %v", base)
	}
}

func TestPull_PreservesNumberLiterals(t *testing.T) {
	f := newFixture(t, nil)
	f.remote.set(entity.KindResource, "f/app/db", map[string]any{
		"resource_type": "postgresql",
		"value": map[string]any{
			"id":      int64(9007199254740993),
			"port":    5432,
			"timeout": 1000000,
			"ratio":   0.25,
		},
	})

	if _, err := f.engine(t, Options{}).Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	got := testutil.ReadFile(t, f.fs, "f/app/db.resource.yaml")
	for _, want := range []string{"id: 9007199254740993", "port: 5432", "timeout: 1000000", "ratio: 0.25"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in:\n%s", want, got)
		}
	}

	report, err := f.engine(t, Options{}).Pull(context.Background())
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if got := outcomes(report)["resource f/app/db"]; got != "skip/skipped" {
		t.Errorf("expected pulled resource to settle, got %s", got)
	}
}

func TestPush_SecretTransmission(t *testing.T) {
	for _, plain := range []bool{false, true} {
		t.Run(fmt.Sprintf("plain=%v", plain), func(t *testing.T) {
			f := newFixture(t, map[string]string{
				"f/app/token.variable.yaml": "value: hunter2\nis_secret: true\n",
				"f/app/url.variable.yaml":   "value: https://example.com\nis_secret: false\n",
			})
			f.remote.set(entity.KindVariable, "f/app/url", map[string]any{"value": "https://old.example.com", "is_secret": false})
			var out bytes.Buffer
			f.deps.Printer = review.NewPrinter(&out)

			if _, err := f.engine(t, Options{PlainSecrets: plain, ShowDiffs: true}).Push(context.Background()); err != nil {
				t.Fatalf("Push: %v", err)
			}

			want := map[string]remote.WriteOptions{
				"f/app/token": {PlainSecrets: plain},
				"f/app/url":   {PlainSecrets: plain},
			}
			if diff := cmp.Diff(want, f.remote.writeOpts); diff != "" {
				t.Errorf("write options mismatch (-want +got):\n%s", diff)
			}
			if len(f.remote.listOpts) == 0 {
				t.Fatal("expected remote listing")
			}
			for _, opts := range f.remote.listOpts {
				if opts.PlainSecrets != plain {
					t.Errorf("expected list PlainSecrets=%v, got %+v", plain, opts)
				}
			}

			shown := out.String()
			if strings.Contains(shown, "hunter2") {
				t.Errorf("secret value must be masked in diffs:\n%s", shown)
			}
			if !strings.Contains(shown, entity.SecretMask) {
				t.Errorf("expected masked value in diffs:\n%s", shown)
			}
			if !strings.Contains(shown, "https://example.com") {
				t.Errorf("plain values are shown unmasked:\n%s", shown)
			}
		})
	}
}

func TestReport_JSON(t *testing.T) {
	r := newReport(review.Push, true)
	r.add(newOutcome(entity.NewRef(entity.KindVariable, "f/app/b", false), ActionPushCreate, StatusPlanned, ""))
	r.add(newOutcome(entity.NewRef(entity.KindFolder, "f/app", false), ActionPushCreate, StatusPlanned, ""))
	r.add(Outcome{File: "x.yaml"}.withError(StatusError, syncerr.UnknownEntityType("x.yaml")))
	r.sort()

	var buf bytes.Buffer
	if err := r.WriteJSON(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{`"direction": "push"`, `"dry_run": true`, `"error_kind": "unknown_entity_type"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in:\n%s", want, out)
		}
	}
	if r.Outcomes[0].File != "x.yaml" || r.Outcomes[1].Kind != entity.KindFolder {
		t.Errorf("unexpected order %+v", r.Outcomes)
	}
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(Options{Stateful: true}, Deps{}, testutil.Logger()); err == nil {
		t.Error("expected error for stateful engine without store")
	}
	if _, err := NewEngine(Options{Filter: entity.Filter{Includes: []string{"[bad"}}}, Deps{}, testutil.Logger()); err == nil {
		t.Error("expected error for invalid glob")
	}
}
