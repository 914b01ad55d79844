package store

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mhersche/chartassist/internal/config"
)

// testStore creates a temporary database for testing.
func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s.SaveTabState(1, []byte(`{"status":"idle"}`)); err != nil {
		t.Fatalf("SaveTabState: %v", err)
	}
	s.Close()

	// Reopening must not re-run migrations or lose data.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s.Close()

	states, err := s.LoadTabStates()
	if err != nil {
		t.Fatalf("LoadTabStates: %v", err)
	}
	if string(states[1]) != `{"status":"idle"}` {
		t.Errorf("state after reopen = %s", states[1])
	}
}

func TestTabStateRoundTrip(t *testing.T) {
	s := testStore(t)

	if err := s.SaveTabState(7, []byte(`{"status":"ready"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Overwrite is an upsert.
	if err := s.SaveTabState(7, []byte(`{"status":"no_emr"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := s.SaveTabState(8, []byte(`{"status":"idle"}`)); err != nil {
		t.Fatalf("save second: %v", err)
	}

	states, err := s.LoadTabStates()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if string(states[7]) != `{"status":"no_emr"}` {
		t.Errorf("tab 7 = %s", states[7])
	}

	if err := s.DeleteTabState(7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	states, err = s.LoadTabStates()
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if _, ok := states[7]; ok {
		t.Error("tab 7 still present after delete")
	}
	if _, ok := states[8]; !ok {
		t.Error("tab 8 removed by unrelated delete")
	}
}

func TestLargeStateCompressedRoundTrip(t *testing.T) {
	s := testStore(t)

	// A big repetitive DOM snapshot, exactly what compression is for.
	doc := `{"status":"ready","lastContext":{"dom":"` + strings.Repeat("Patient: Jane Doe MRN 12345 ", 400) + `"}}`
	if err := s.SaveTabState(3, []byte(doc)); err != nil {
		t.Fatalf("save: %v", err)
	}

	states, err := s.LoadTabStates()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(states[3]) != doc {
		t.Error("large state did not survive the round trip")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)

	// Missing row yields zero-value settings, not an error.
	got, err := s.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings on empty db: %v", err)
	}
	if got.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", got.APIKey)
	}

	want := config.Settings{
		APIKey: "sk-test",
		Model:  "gpt-4o",
		Sites: map[string]config.SiteOverride{
			"emr.example.org": {Prompt: "site prompt"},
		},
	}
	if err := s.SaveSettings(want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err = s.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got.APIKey != "sk-test" || got.Model != "gpt-4o" {
		t.Errorf("got %+v", got)
	}
	if got.Sites["emr.example.org"].Prompt != "site prompt" {
		t.Errorf("site override lost: %+v", got.Sites)
	}
}

func TestResponseCache(t *testing.T) {
	s := testStore(t)

	hit, err := s.GetCachedResponse("fp-1")
	if err != nil {
		t.Fatalf("get on empty cache: %v", err)
	}
	if hit != nil {
		t.Fatalf("got %+v, want nil on miss", hit)
	}

	if err := s.PutCachedResponse(CachedResponse{
		Key:            "fp-1",
		Result:         "**Patient:** Jane Doe",
		ContextSummary: "Chart for Jane Doe",
		PromptTemplate: "header-v1",
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	hit, err = s.GetCachedResponse("fp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit == nil || hit.Result != "**Patient:** Jane Doe" {
		t.Fatalf("got %+v", hit)
	}
	if hit.CachedAt.IsZero() {
		t.Error("CachedAt not set")
	}

	// Replacing the same key is an upsert.
	if err := s.PutCachedResponse(CachedResponse{Key: "fp-1", Result: "updated"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hit, err = s.GetCachedResponse("fp-1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if hit.Result != "updated" {
		t.Errorf("Result = %q, want updated", hit.Result)
	}
}

func TestBlobEncoding(t *testing.T) {
	small := []byte(`{"status":"idle"}`)
	if got := encodeBlob(small); !bytes.Equal(got, small) {
		t.Error("small payloads should be stored raw")
	}

	big := []byte(strings.Repeat(`{"k":"v"}`, 200))
	enc := encodeBlob(big)
	if bytes.Equal(enc, big) {
		t.Fatal("large repetitive payload was not compressed")
	}
	if len(enc) >= len(big) {
		t.Errorf("compressed %d >= raw %d", len(enc), len(big))
	}

	dec, err := decodeBlob(enc)
	if err != nil {
		t.Fatalf("decodeBlob: %v", err)
	}
	if !bytes.Equal(dec, big) {
		t.Error("round trip mismatch")
	}

	// Raw passthrough.
	dec, err = decodeBlob(small)
	if err != nil {
		t.Fatalf("decodeBlob raw: %v", err)
	}
	if !bytes.Equal(dec, small) {
		t.Error("raw passthrough mismatch")
	}
}
