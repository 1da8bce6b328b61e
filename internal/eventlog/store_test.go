package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendFlushReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := Open(path, WithBatchSize(1000), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Shutdown()

	s.Append(Entry{Type: "turn_completed", Payload: map[string]any{"n": float64(1)}})
	s.Append(Entry{Type: "turn_completed", Payload: map[string]any{"n": float64(2)}})
	s.Flush()

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestAppendBatchesOnSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := Open(path, WithBatchSize(2), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Shutdown()

	s.Append(Entry{Type: "a"})
	s.Append(Entry{Type: "b"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries, _ := s.ReadAll()
		if len(entries) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("entries were not flushed after reaching batch size")
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Shutdown()

	if err := appendRaw(path, "{\"ts\":1,\"type\":\"ok\"}\nnot json\n{\"ts\":2,\"type\":\"ok2\"}\n"); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 well-formed entries, got %d", len(entries))
	}
}

func TestCompactRetentionMaxEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := Open(path, WithBatchSize(1000), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Shutdown()

	base := time.Now().UnixMilli()
	for i := int64(0); i < 10; i++ {
		s.Append(Entry{Ts: base + i, Type: "e"})
	}
	s.Flush()

	if err := s.CompactRetention(time.Now(), RetentionPolicy{MaxEntries: 3}); err != nil {
		t.Fatalf("CompactRetention: %v", err)
	}

	entries, err := s.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after compaction, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Ts > entries[i].Ts {
			t.Fatalf("entries not re-ordered ascending by ts: %v", entries)
		}
	}
}

func appendRaw(path, content string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}
