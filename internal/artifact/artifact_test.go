package artifact

import (
	"context"
	"errors"
	"testing"
)

func TestEmpty(t *testing.T) {
	cases := []struct {
		name string
		a    *Artifact
		want bool
	}{
		{"nil", nil, true},
		{"blank", &Artifact{Content: "  \n"}, true},
		{"blank items", &Artifact{Items: []string{"", " "}}, true},
		{"content", &Artifact{Content: "ISO 9001"}, false},
		{"items", &Artifact{Items: []string{"https://example.org/std"}}, false},
	}
	for _, tc := range cases {
		if got := tc.a.Empty(); got != tc.want {
			t.Errorf("%s: Empty() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func testStoreRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	a := &Artifact{Kind: "discovery", DisciplineID: "physics", Content: "sources", Items: []string{"a", "b"}}
	ref, err := s.Put(ctx, a)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref == "" || ref != a.Ref {
		t.Fatalf("ref %q not assigned to artifact (%q)", ref, a.Ref)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "sources" || len(got.Items) != 2 || got.DisciplineID != "physics" {
		t.Errorf("unexpected artifact %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	testStoreRoundTrip(t, s)

	if _, err := s.Get(context.Background(), "../escape"); err == nil {
		t.Error("path traversal ref accepted")
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}
