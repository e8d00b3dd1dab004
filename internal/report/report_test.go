package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lvonguyen/aptforge/internal/attribution"
	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/mitre"
)

func sampleRecord() *Record {
	rec := NewRecord()
	rec.Logs = []map[string]any{{"src_ip": "10.0.0.5", "dst_port": float64(445)}}
	rec.Description = "SMB sessions from a workstation to several file servers."
	rec.NetworkAnalysis = []matcher.Candidate{
		{KillChainPhases: mitre.Phases{"Lateral Movement"}, Description: "SMB fan-out"},
	}
	rec.TTPs = []matcher.MatchedTTP{{ID: "T1021.002", Similarity: 0.71}}
	rec.APTs = []attribution.Result{{MitreID: "G0007", Name: "APT28", MatchScore: 0.12, MatchingTTPIDs: []string{"T1021.002"}}}
	rec.ElapsedSeconds = 1.25
	return rec
}

// =============================================================================
// Record Tests
// =============================================================================

// TestRecord_JSONKeys verifies the persisted field names.
func TestRecord_JSONKeys(t *testing.T) {
	data, err := json.Marshal(sampleRecord())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "timestamp", "logs", "description", "network_analysis", "ttps", "apts", "elapsed_seconds"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if !strings.Contains(string(fields["ttps"]), `"similarity":0.71`) {
		t.Errorf("similarity not serialized with two decimals: %s", fields["ttps"])
	}
}

// TestNewRecord_UniqueIDs verifies each record gets its own id.
func TestNewRecord_UniqueIDs(t *testing.T) {
	a, b := NewRecord(), NewRecord()
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
	if a.TopAPT() != "" {
		t.Errorf("expected empty top APT, got %q", a.TopAPT())
	}
}

// =============================================================================
// File Store Tests
// =============================================================================

// TestFileStore_AppendAndList verifies records are appended and listed newest
// first.
func TestFileStore_AppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "reports.jsonl")
	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		rec := sampleRecord()
		ids = append(ids, rec.ID)
		if err := store.Write(context.Background(), rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	all, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	limited, err := store.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 records, got %d", len(limited))
	}

	got, err := store.Get(ids[1])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != sampleRecord().Description || got.TTPs[0].ID != "T1021.002" {
		t.Errorf("unexpected record: %+v", got)
	}
}

// TestFileStore_Reopen verifies existing records survive a reopen and new
// records are appended after them.
func TestFileStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.jsonl")

	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	first := sampleRecord()
	if err := store.Write(context.Background(), first); err != nil {
		t.Fatalf("Write: %v", err)
	}
	store.Close()

	store, err = OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if err := store.Write(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	all, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[1].ID != first.ID {
		t.Errorf("expected first record preserved, got %d records", len(all))
	}
}

// TestFileStore_SkipsCorruptLines verifies a damaged line does not hide the
// rest of the log.
func TestFileStore_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.jsonl")
	if err := os.WriteFile(path, []byte("{not json\n"), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()
	rec := sampleRecord()
	if err := store.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	all, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].ID != rec.ID {
		t.Errorf("expected only the valid record, got %+v", all)
	}
}

// TestFileStore_GetMissing verifies ErrNotFound.
func TestFileStore_GetMissing(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "reports.jsonl"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()

	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestFileStore_LargeRecord verifies a record wider than any scanner buffer
// does not hide the rest of the log.
func TestFileStore_LargeRecord(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "reports.jsonl"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()

	small := sampleRecord()
	large := sampleRecord()
	// "<" is encoded as \u003c, so the encoded line is about 18 MiB.
	large.Description = strings.Repeat("<", 3<<20)
	for _, rec := range []*Record{small, large} {
		if err := store.Write(context.Background(), rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	all, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != large.ID {
		t.Fatalf("expected both records newest first, got %d", len(all))
	}

	got, err := store.Get(large.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Description) != 3<<20 {
		t.Errorf("description truncated to %d bytes", len(got.Description))
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestFileStore_ConcurrentWrites verifies concurrent appends produce whole
// lines.
func TestFileStore_ConcurrentWrites(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "reports.jsonl"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Write(context.Background(), sampleRecord()); err != nil {
				t.Errorf("Write: %v", err)
			}
		}()
	}
	wg.Wait()

	all, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 20 {
		t.Errorf("expected 20 records, got %d", len(all))
	}
}

// =============================================================================
// Splunk HEC Tests
// =============================================================================

// TestNewHECSink_RequiresToken verifies the sink fails closed without a token.
func TestNewHECSink_RequiresToken(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "")
	cfg := DefaultHECConfig()
	cfg.TokenEnv = "TEST_HEC_TOKEN"
	cfg.HECURL = "http://localhost:8088"

	if _, err := NewHECSink(cfg); err == nil {
		t.Error("expected error when token env var is empty")
	}
}

// TestHECSink_Write verifies the event envelope and authorization header.
func TestHECSink_Write(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "hec-secret")

	var got HECEvent
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/event" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultHECConfig()
	cfg.TokenEnv = "TEST_HEC_TOKEN"
	cfg.HECURL = server.URL
	sink, err := NewHECSink(cfg)
	if err != nil {
		t.Fatalf("NewHECSink: %v", err)
	}

	rec := sampleRecord()
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if auth != "Splunk hec-secret" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if got.SourceType != "aptforge:report" || got.Index != "aptforge" {
		t.Errorf("unexpected envelope: %+v", got)
	}
	if got.Fields["report_id"] != rec.ID || got.Fields["top_apt"] != "G0007" {
		t.Errorf("unexpected fields: %v", got.Fields)
	}

	stats := sink.Stats()
	if stats.EventsSent != 1 || stats.BytesSent == 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// TestHECSink_RetriesThenFails verifies retry exhaustion is counted.
func TestHECSink_RetriesThenFails(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "hec-secret")

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := DefaultHECConfig()
	cfg.TokenEnv = "TEST_HEC_TOKEN"
	cfg.HECURL = server.URL
	cfg.RetryCount = 2
	cfg.RetryDelay = time.Millisecond
	sink, err := NewHECSink(cfg)
	if err != nil {
		t.Fatalf("NewHECSink: %v", err)
	}

	if err := sink.Write(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if sink.Stats().EventsFailed != 1 {
		t.Errorf("expected 1 failed event, got %d", sink.Stats().EventsFailed)
	}
}

// TestHECSink_HealthCheck verifies the health endpoint is checked.
func TestHECSink_HealthCheck(t *testing.T) {
	t.Setenv("TEST_HEC_TOKEN", "hec-secret")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultHECConfig()
	cfg.TokenEnv = "TEST_HEC_TOKEN"
	cfg.HECURL = server.URL + "/"
	sink, err := NewHECSink(cfg)
	if err != nil {
		t.Fatalf("NewHECSink: %v", err)
	}
	if err := sink.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

// =============================================================================
// Kafka Tests
// =============================================================================

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

// TestNewKafkaSink_Validation verifies required settings.
func TestNewKafkaSink_Validation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}
	sink, err := NewKafkaSink(DefaultKafkaConfig())
	if err != nil {
		t.Fatalf("NewKafkaSink: %v", err)
	}
	sink.Close()
}

// TestKafkaSink_Write verifies reports are keyed by id.
func TestKafkaSink_Write(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "aptforge-reports"}

	rec := sampleRecord()
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != rec.ID {
		t.Errorf("expected key %s, got %s", rec.ID, w.msgs[0].Key)
	}

	var decoded Record
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.APTs[0].MitreID != "G0007" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

// =============================================================================
// Recorder Tests
// =============================================================================

type stubSink struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Write(context.Context, *Record) error {
	s.calls.Add(1)
	return s.err
}

// TestRecorder_PrimaryFailureIsReturned verifies a primary failure fails the
// write and skips forwarding.
func TestRecorder_PrimaryFailureIsReturned(t *testing.T) {
	primary := &stubSink{name: "file", err: errors.New("disk full")}
	secondary := &stubSink{name: "kafka"}

	r := NewRecorder(primary, nil, nil, secondary)
	if err := r.Record(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error")
	}
	if secondary.calls.Load() != 0 {
		t.Error("secondary sink should not be called after primary failure")
	}
}

// TestRecorder_SecondaryFailureIsLogged verifies forwarding failures do not
// fail the write.
func TestRecorder_SecondaryFailureIsLogged(t *testing.T) {
	primary := &stubSink{name: "file"}
	broken := &stubSink{name: "splunk", err: errors.New("unreachable")}
	ok := &stubSink{name: "kafka"}

	r := NewRecorder(primary, nil, nil, broken, ok)
	if err := r.Record(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if broken.calls.Load() != 1 || ok.calls.Load() != 1 {
		t.Errorf("expected every secondary called once, got %d and %d", broken.calls.Load(), ok.calls.Load())
	}
}
