package traffic

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decoding record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

func TestRecordNonStreamRedactsAuthorizationHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.ndjson")
	rec := NewRecorder(Config{Path: path})
	defer rec.Close()

	h := http.Header{}
	h.Set("Authorization", "Bearer super-secret")
	h.Set("X-Request-Id", "abc-123")

	if err := rec.RecordNonStream("github-copilot", "acct-1", h, []byte(`{"model":"gpt-4o"}`), 200, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.RequestHeaders["Authorization"] != redactedMarker {
		t.Errorf("expected Authorization to be redacted, got %q", r.RequestHeaders["Authorization"])
	}
	if r.RequestHeaders["X-Request-Id"] != "abc-123" {
		t.Errorf("expected non-sensitive header to pass through, got %q", r.RequestHeaders["X-Request-Id"])
	}
	if r.ProviderID != "github-copilot" || r.AccountID != "acct-1" {
		t.Errorf("expected provider/account ids to round-trip, got %+v", r)
	}
}

func TestRecordStreamCapturesSummaryNotBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traffic.ndjson")
	rec := NewRecorder(Config{Path: path})
	defer rec.Close()

	if err := rec.RecordStream("openai-compatible", "", http.Header{}, []byte(`{"model":"gpt-4o-mini","stream":true}`), 200, 42, 8192); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if !r.Streamed {
		t.Error("expected Streamed to be true")
	}
	if r.ChunkCount != 42 || r.ResponseBytes != 8192 {
		t.Errorf("expected chunk/byte summary to round-trip, got %+v", r)
	}
	if r.ResponseBody != nil {
		t.Error("expected no response body for a streaming record")
	}
}

func TestJSONOrNullOmitsInvalidBody(t *testing.T) {
	if got := jsonOrNull([]byte("not json")); got != nil {
		t.Errorf("expected nil for invalid JSON, got %s", got)
	}
	if got := jsonOrNull(nil); got != nil {
		t.Errorf("expected nil for empty body, got %s", got)
	}
	if got := jsonOrNull([]byte(`{"a":1}`)); got == nil {
		t.Error("expected valid JSON to pass through")
	}
}
