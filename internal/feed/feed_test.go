package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/threatintel/internal/cache"
	"github.com/ppiankov/threatintel/internal/model"
	"github.com/ppiankov/threatintel/internal/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, Sleep: func(time.Duration) {}}
}

func testClient() *Client {
	return NewClient(model.HTTPConfig{Timeout: 5 * time.Second, UserAgent: "threatintel-test"}, nil)
}

const twoPulses = `{
  "results": [
    {
      "modified": "2024-05-01T10:00:00.000000",
      "threat_hunting": {"severity": "high"},
      "indicators": [{"indicator": "1.2.3.4", "type": "IPv4"}]
    },
    {
      "modified": "2024-05-02T11:00:00.000000",
      "indicators": [
        {"indicator": "evil.example", "type": "domain"},
        {"type": "URL"}
      ]
    }
  ]
}`

func TestOTXFetch_FlattensPulses(t *testing.T) {
	var gotKey, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-OTX-API-KEY")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(twoPulses))
	}))
	defer server.Close()

	otx := NewOTXClient(testClient(), server.URL, "secret", testPolicy(), nil)
	records, err := otx.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if gotKey != "secret" {
		t.Errorf("Expected X-OTX-API-KEY secret, got %q", gotKey)
	}
	if gotUA != "threatintel-test" {
		t.Errorf("Expected user agent threatintel-test, got %q", gotUA)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}

	first := records[0]
	if first.Indicator != "1.2.3.4" || first.Type != "IPv4" || first.Severity != "high" {
		t.Errorf("Unexpected first record: %+v", first)
	}
	if first.Modified != "2024-05-01T10:00:00.000000" {
		t.Errorf("Expected modified carried from pulse, got %q", first.Modified)
	}
	if first.Source != ProviderOTX {
		t.Errorf("Expected source otx, got %q", first.Source)
	}

	if records[1].Severity != "" {
		t.Errorf("Expected empty severity without threat_hunting, got %q", records[1].Severity)
	}
	if records[2].Indicator != "" || records[2].Type != "URL" {
		t.Errorf("Expected incomplete record to be passed through, got %+v", records[2])
	}
}

func TestOTXFetch_LenientFieldTypes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[
			"not-a-pulse",
			{"modified": 12345, "threat_hunting": {"severity": 3},
			 "indicators": [{"indicator": 42, "type": "IPv4"}, "junk", {"indicator": "ok.example", "type": "domain"}]}
		]}`))
	}))
	defer server.Close()

	otx := NewOTXClient(testClient(), server.URL, "k", testPolicy(), nil)
	records, err := otx.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d: %+v", len(records), records)
	}
	if records[0].Indicator != "" || records[0].Modified != "" || records[0].Severity != "" {
		t.Errorf("Expected non-string fields to read as empty, got %+v", records[0])
	}
	if records[1].Indicator != "ok.example" {
		t.Errorf("Expected ok.example, got %q", records[1].Indicator)
	}
}

func TestOTXFetch_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	otx := NewOTXClient(testClient(), server.URL, "k", testPolicy(), nil)
	records, err := otx.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Expected success on 5th attempt, got %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records, got %d", len(records))
	}
	if calls.Load() != 5 {
		t.Errorf("Expected 5 attempts, got %d", calls.Load())
	}
}

func TestOTXFetch_GivesUpAfterFiveAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	otx := NewOTXClient(testClient(), server.URL, "k", testPolicy(), nil)
	_, err := otx.Fetch(context.Background())
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if calls.Load() != 5 {
		t.Errorf("Expected exactly 5 attempts, got %d", calls.Load())
	}

	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Errorf("Expected ExhaustedError, got %T", err)
	}
	if !errors.Is(err, ErrUpstreamTransient) {
		t.Errorf("Expected ErrUpstreamTransient in chain, got %v", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected StatusError 500, got %v", err)
	}
}

func TestOTXFetch_ClientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	otx := NewOTXClient(testClient(), server.URL, "k", testPolicy(), nil)
	if _, err := otx.Fetch(context.Background()); err == nil {
		t.Fatal("Expected error for 403")
	}
	if calls.Load() != 5 {
		t.Errorf("Expected non-2xx to be retried 5 times, got %d", calls.Load())
	}
}

func TestOTXFetch_MalformedNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing results", `{"count": 0}`},
		{"not json", `<html>maintenance</html>`},
		{"results wrong type", `{"results": "nope"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			otx := NewOTXClient(testClient(), server.URL, "k", testPolicy(), nil)
			_, err := otx.Fetch(context.Background())
			if !errors.Is(err, ErrUpstreamMalformed) {
				t.Errorf("Expected ErrUpstreamMalformed, got %v", err)
			}
			if calls.Load() != 1 {
				t.Errorf("Expected a single attempt, got %d", calls.Load())
			}
		})
	}
}

func TestVTLookup_SeverityMapping(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantSeverity string
		wantModified string
	}{
		{
			name:         "malicious",
			body:         `{"data":{"attributes":{"last_analysis_stats":{"malicious":3},"last_analysis_date":1714557600}}}`,
			wantSeverity: "high",
			wantModified: "2024-05-01T10:00:00.000000Z",
		},
		{
			name:         "clean",
			body:         `{"data":{"attributes":{"last_analysis_stats":{"malicious":0,"harmless":70},"last_analysis_date":1714557600}}}`,
			wantSeverity: "unknown",
			wantModified: "2024-05-01T10:00:00.000000Z",
		},
		{
			name:         "never analysed",
			body:         `{"data":{"attributes":{}}}`,
			wantSeverity: "unknown",
			wantModified: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotKey string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotKey = r.Header.Get("x-apikey")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			vt := NewVTClient(testClient(), server.URL, "vtkey", testPolicy(), nil, 0, nil)
			rec, err := vt.Lookup(context.Background(), "5.6.7.8")
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}

			if gotPath != "/ip_addresses/5.6.7.8" {
				t.Errorf("Expected path /ip_addresses/5.6.7.8, got %s", gotPath)
			}
			if gotKey != "vtkey" {
				t.Errorf("Expected x-apikey vtkey, got %q", gotKey)
			}
			if rec.Severity != tt.wantSeverity {
				t.Errorf("Expected severity %s, got %s", tt.wantSeverity, rec.Severity)
			}
			if rec.Modified != tt.wantModified {
				t.Errorf("Expected modified %q, got %q", tt.wantModified, rec.Modified)
			}
			if rec.Indicator != "5.6.7.8" || rec.Type != TypeIPv4 || rec.Source != ProviderVirusTotal {
				t.Errorf("Unexpected record identity: %+v", rec)
			}
		})
	}
}

func TestVTLookup_MissingData(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"error":{"code":"NotFoundError"}}`))
	}))
	defer server.Close()

	vt := NewVTClient(testClient(), server.URL, "k", testPolicy(), nil, 0, nil)
	_, err := vt.Lookup(context.Background(), "5.6.7.8")
	if !errors.Is(err, ErrUpstreamMalformed) {
		t.Errorf("Expected ErrUpstreamMalformed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", calls.Load())
	}
}

func TestVTLookup_CacheHitSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":1},"last_analysis_date":1714557600}}}`))
	}))
	defer server.Close()

	verdicts := cache.NewMemoryCache(time.Hour, time.Hour)
	vt := NewVTClient(testClient(), server.URL, "k", testPolicy(), verdicts, time.Hour, nil)

	first, err := vt.Lookup(context.Background(), "5.6.7.8")
	if err != nil {
		t.Fatalf("first Lookup failed: %v", err)
	}
	second, err := vt.Lookup(context.Background(), "5.6.7.8")
	if err != nil {
		t.Fatalf("second Lookup failed: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 upstream request, got %d", calls.Load())
	}
	if first != second {
		t.Errorf("Expected cached record %+v, got %+v", first, second)
	}
}

func TestVTLookup_UnreadableCacheEntryIsReplaced(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":1}}}}`))
	}))
	defer server.Close()

	verdicts := cache.NewMemoryCache(time.Hour, time.Hour)
	key := cache.Key(ProviderVirusTotal, "5.6.7.8")
	if err := verdicts.Set(key, []byte("{truncated"), 0); err != nil {
		t.Fatal(err)
	}
	vt := NewVTClient(testClient(), server.URL, "k", testPolicy(), verdicts, time.Hour, nil)

	rec, err := vt.Lookup(context.Background(), "5.6.7.8")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if calls.Load() != 1 || rec.Severity != model.SeverityHigh {
		t.Errorf("Expected a fresh verdict, got calls=%d record=%+v", calls.Load(), rec)
	}

	data, found := verdicts.Get(key)
	if !found || !strings.Contains(string(data), `"high"`) {
		t.Errorf("Expected the entry replaced with the fresh verdict, got %q", data)
	}
}

func TestVTLookup_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	verdicts := cache.NewMemoryCache(time.Hour, time.Hour)
	policy := retry.Policy{MaxAttempts: 2, Sleep: func(time.Duration) {}}
	vt := NewVTClient(testClient(), server.URL, "k", policy, verdicts, time.Hour, nil)

	if _, err := vt.Lookup(context.Background(), "5.6.7.8"); err == nil {
		t.Fatal("Expected error for 429")
	}
	if verdicts.Len() != 0 {
		t.Errorf("Expected nothing cached after failure, got %d entries", verdicts.Len())
	}
}

func TestStatusError_IsTransient(t *testing.T) {
	err := &StatusError{URL: "http://x", StatusCode: 502}
	if !errors.Is(err, ErrUpstreamTransient) {
		t.Error("Expected StatusError to match ErrUpstreamTransient")
	}
	if errors.Is(err, ErrUpstreamMalformed) {
		t.Error("StatusError should not match ErrUpstreamMalformed")
	}
}

func TestJSONString(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"abc"`, "abc"},
		{`""`, ""},
		{`42`, ""},
		{`null`, ""},
		{``, ""},
		{`{"a":1}`, ""},
	}
	for _, tt := range tests {
		if got := jsonString([]byte(tt.raw)); got != tt.want {
			t.Errorf("jsonString(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
