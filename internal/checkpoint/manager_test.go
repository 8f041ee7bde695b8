package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type testState struct {
	Session string         `json:"session"`
	Done    map[string]int `json:"done"`
}

func newFileManager(t *testing.T, cfg Config) (*Manager, *FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(fs, cfg, zap.NewNop()), fs, dir
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m, _, _ := newFileManager(t, Config{})
	ctx := context.Background()

	if _, ok, err := m.RestoreLatest(ctx, &testState{}); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	if _, err := m.Snapshot(ctx, testState{Session: "s1", Done: map[string]int{"physics": 1}}, "periodic"); err != nil {
		t.Fatal(err)
	}
	id2, err := m.Snapshot(ctx, testState{Session: "s1", Done: map[string]int{"physics": 2}}, "manual")
	if err != nil {
		t.Fatal(err)
	}

	var got testState
	md, ok, err := m.RestoreLatest(ctx, &got)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if md.ID != id2 || md.Sequence != 2 || md.Reason != "manual" {
		t.Errorf("metadata %+v", md)
	}
	if got.Done["physics"] != 2 {
		t.Errorf("restored state %+v", got)
	}
}

func TestRestoreFallsBackOnCorruption(t *testing.T) {
	m, _, dir := newFileManager(t, Config{})
	ctx := context.Background()

	if _, err := m.Snapshot(ctx, testState{Session: "good"}, "periodic"); err != nil {
		t.Fatal(err)
	}
	torn, err := m.Snapshot(ctx, testState{Session: "torn"}, "periodic")
	if err != nil {
		t.Fatal(err)
	}
	tampered, err := m.Snapshot(ctx, testState{Session: "tampered"}, "periodic")
	if err != nil {
		t.Fatal(err)
	}

	// truncate one checkpoint mid-payload
	tornPath := filepath.Join(dir, string(torn)+".json")
	data, err := os.ReadFile(tornPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tornPath, data[:len(data)/2], 0o644); err != nil {
		t.Fatal(err)
	}
	// keep the other decodable but change the state under the hash
	tamperedPath := filepath.Join(dir, string(tampered)+".json")
	data, err = os.ReadFile(tamperedPath)
	if err != nil {
		t.Fatal(err)
	}
	data = []byte(strings.Replace(string(data), `"tampered"`, `"tampereD"`, 1))
	if err := os.WriteFile(tamperedPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	var got testState
	md, ok, err := m.RestoreLatest(ctx, &got)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if got.Session != "good" || md.Sequence != 1 {
		t.Errorf("restored %q (seq %d), want the oldest valid checkpoint", got.Session, md.Sequence)
	}
}

func TestFileStoreIgnoresTempFiles(t *testing.T) {
	m, fs, dir := newFileManager(t, Config{})
	ctx := context.Background()
	if _, err := m.Snapshot(ctx, testState{Session: "a"}, "periodic"); err != nil {
		t.Fatal(err)
	}
	leftover := filepath.Join(dir, "ckpt-000000000009-deadbeef.json.tmp.123")
	if err := os.WriteFile(leftover, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	list, err := fs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d checkpoints, want 1: %+v", len(list), list)
	}
	if list[0].Reason != "periodic" || list[0].Hash == "" {
		t.Errorf("header not read: %+v", list[0])
	}
}

func TestSnapshotPrunes(t *testing.T) {
	m, _, _ := newFileManager(t, Config{Retain: 3})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := m.Snapshot(ctx, testState{Session: "s"}, "periodic"); err != nil {
			t.Fatal(err)
		}
	}
	list, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Sequence != 3 || list[2].Sequence != 5 {
		t.Fatalf("after prune: %+v", list)
	}
	if err := m.Prune(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if list, _ = m.List(ctx); len(list) != 1 || list[0].Sequence != 5 {
		t.Errorf("explicit prune: %+v", list)
	}
	if err := m.Prune(ctx, 0); err == nil {
		t.Error("retain 0 should be rejected")
	}
}

func TestSequenceContinuesAcrossManagers(t *testing.T) {
	_, fs, _ := newFileManager(t, Config{})
	ctx := context.Background()
	first := NewManager(fs, Config{}, zap.NewNop())
	for i := 0; i < 2; i++ {
		if _, err := first.Snapshot(ctx, testState{}, "periodic"); err != nil {
			t.Fatal(err)
		}
	}
	second := NewManager(fs, Config{}, zap.NewNop())
	if _, err := second.Snapshot(ctx, testState{Session: "after restart"}, "final"); err != nil {
		t.Fatal(err)
	}
	var got testState
	md, _, err := second.RestoreLatest(ctx, &got)
	if err != nil {
		t.Fatal(err)
	}
	if md.Sequence != 3 || got.Session != "after restart" {
		t.Errorf("got seq %d state %+v", md.Sequence, got)
	}
}

type flakyStore struct {
	*FileStore
	failures int
}

func (f *flakyStore) Put(ctx context.Context, meta Metadata, data []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.FileStore.Put(ctx, meta, data)
}

func TestSnapshotRetriesWrites(t *testing.T) {
	_, fs, _ := newFileManager(t, Config{})
	ctx := context.Background()
	cfg := Config{WriteAttempts: 3, RetryInterval: time.Millisecond}

	flaky := &flakyStore{FileStore: fs, failures: 2}
	if _, err := NewManager(flaky, cfg, zap.NewNop()).Snapshot(ctx, testState{}, "periodic"); err != nil {
		t.Fatalf("expected success on third try: %v", err)
	}

	broken := &flakyStore{FileStore: fs, failures: 100}
	if _, err := NewManager(broken, cfg, zap.NewNop()).Snapshot(ctx, testState{}, "periodic"); err == nil {
		t.Fatal("expected write error")
	}
	if broken.failures != 97 {
		t.Errorf("made %d attempts, want 3", 100-broken.failures)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	m := NewManager(s, Config{Retain: 2}, zap.NewNop())

	for _, name := range []string{"one", "two", "three"} {
		if _, err := m.Snapshot(ctx, testState{Session: name}, "periodic"); err != nil {
			t.Fatal(err)
		}
	}
	list, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[1].Sequence != 3 {
		t.Fatalf("list %+v", list)
	}
	var got testState
	if _, ok, err := m.RestoreLatest(ctx, &got); err != nil || !ok || got.Session != "three" {
		t.Fatalf("restore: ok=%v err=%v state=%+v", ok, err, got)
	}
	if _, err := s.Get(ctx, "ckpt-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFileStoreListReadsHeaderOnly(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Header intact, state torn mid-write: listing must not need the payload.
	torn := `{"version":1,"id":"ckpt-000000000004-abcd1234","sequence":4,` +
		`"created_at":"2026-01-02T03:04:05Z","reason":"periodic","hash":"beef",` +
		`"state":{"workers":[{"discipline":{"id":"civil"`
	if err := os.WriteFile(filepath.Join(dir, "ckpt-000000000004-abcd1234.json"), []byte(torn), 0o644); err != nil {
		t.Fatal(err)
	}
	list, err := fs.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d checkpoints, want 1", len(list))
	}
	md := list[0]
	if md.Sequence != 4 || md.Reason != "periodic" || md.Hash != "beef" {
		t.Errorf("unexpected metadata %+v", md)
	}
	if !md.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("created_at %v", md.CreatedAt)
	}
}
