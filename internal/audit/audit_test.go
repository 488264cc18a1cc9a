package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAppendProducesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security_audit.jsonl")
	sink := NewFileSink(path)
	now := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	if err := sink.Append(ForceCreate(now, "A12345678", true, "")); err != nil {
		t.Fatalf("append accepted: %v", err)
	}
	if err := sink.Append(ForceCreate(now, "B87654321", false, "confirmation token expired")); err != nil {
		t.Fatalf("append rejected: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("%d records, want 2", len(records))
	}
	if records[0].Action != ActionForceCreate || !records[0].TokenValid || records[0].Error != nil {
		t.Fatalf("accepted record wrong: %+v", records[0])
	}
	if records[1].TokenValid || records[1].Error == nil || *records[1].Error != "confirmation token expired" {
		t.Fatalf("rejected record wrong: %+v", records[1])
	}
}

func TestAcceptedRecordSerializesNullError(t *testing.T) {
	rec := ForceCreate(time.Now(), "A12345678", true, "")
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, present := raw["error"]
	if !present {
		t.Fatal("error field must be present")
	}
	if v != nil {
		t.Fatalf("error must be null for accepted attempts, got %v", v)
	}
}

func TestConcurrentAppendsAllSurvive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewFileSink(path)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Append(ForceCreate(time.Now(), "A12345678", true, "")); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("corrupt line: %v", err)
		}
		lines++
	}
	if lines != n {
		t.Fatalf("%d lines, want %d", lines, n)
	}
}
