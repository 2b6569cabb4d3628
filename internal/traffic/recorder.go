// Package traffic implements the optional request/response capture
// described by spec.md §4.8: when enabled, every dispatch is recorded as a
// newline-delimited JSON record in a rotating log file, with sensitive
// headers redacted before the record ever reaches disk.
package traffic

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const redactedMarker = "[REDACTED]"

var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
}

// Record is one captured request/response pair. For a streaming call,
// ResponseBody is empty and ChunkCount/ResponseBytes summarize the
// relayed stream instead, per §4.8's "summary: chunk count and total bytes"
// rule for streaming calls.
type Record struct {
	Timestamp      time.Time         `json:"timestamp"`
	ProviderID     string            `json:"provider_id"`
	AccountID      string            `json:"account_id,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    json.RawMessage   `json:"request_body,omitempty"`
	ResponseStatus int               `json:"response_status"`
	ResponseBody   json.RawMessage   `json:"response_body,omitempty"`
	Streamed       bool              `json:"streamed,omitempty"`
	ChunkCount     int               `json:"chunk_count,omitempty"`
	ResponseBytes  int               `json:"response_bytes,omitempty"`
}

// Recorder appends Records to a rotating NDJSON log file. The zero value is
// not usable; construct with NewRecorder.
type Recorder struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
	enc    *json.Encoder
}

// Config controls the rotation policy for the underlying log file, mirroring
// lumberjack.Logger's own knobs so callers can tune retention without
// reaching into this package's internals.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 7
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 28
	}
	return c
}

// NewRecorder builds a Recorder writing to cfg.Path, creating the rotation
// policy from cfg's size/backup/age knobs (sane defaults applied when
// unset).
func NewRecorder(cfg Config) *Recorder {
	cfg = cfg.withDefaults()
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Recorder{writer: w, enc: json.NewEncoder(w)}
}

// RecordNonStream appends one non-streaming request/response pair.
func (r *Recorder) RecordNonStream(providerID, accountID string, reqHeader http.Header, reqBody []byte, status int, respBody []byte) error {
	rec := Record{
		Timestamp:      time.Now(),
		ProviderID:     providerID,
		AccountID:      accountID,
		RequestHeaders: redactHeaders(reqHeader),
		RequestBody:    jsonOrNull(reqBody),
		ResponseStatus: status,
		ResponseBody:   jsonOrNull(respBody),
	}
	return r.write(rec)
}

// RecordStream appends a streaming call's summary: the upstream status plus
// the number of chunks and total bytes relayed to the client.
func (r *Recorder) RecordStream(providerID, accountID string, reqHeader http.Header, reqBody []byte, status, chunkCount, totalBytes int) error {
	rec := Record{
		Timestamp:      time.Now(),
		ProviderID:     providerID,
		AccountID:      accountID,
		RequestHeaders: redactHeaders(reqHeader),
		RequestBody:    jsonOrNull(reqBody),
		ResponseStatus: status,
		Streamed:       true,
		ChunkCount:     chunkCount,
		ResponseBytes:  totalBytes,
	}
	return r.write(rec)
}

func (r *Recorder) write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(rec)
}

// Close flushes and closes the underlying rotating file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}

func redactHeaders(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, sensitive := sensitiveHeaders[http.CanonicalHeaderKey(k)]; sensitive {
			out[k] = redactedMarker
			continue
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// jsonOrNull returns body as a json.RawMessage when it is non-empty valid
// JSON, or nil otherwise, so a body that fails to decode (or is absent)
// simply omits the field rather than corrupting the NDJSON record.
func jsonOrNull(body []byte) json.RawMessage {
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}
