// Package audit appends one structured record per force-create attempt,
// accepted or rejected, to a newline-delimited JSON file. Records are
// write-once; nothing in this service reads them back.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ActionForceCreate tags force-create attempt records.
const ActionForceCreate = "force_create_attempt"

// Record is one audit entry.
type Record struct {
	Timestamp  string  `json:"timestamp"`
	Action     string  `json:"action"`
	TokenValid bool    `json:"token_valid"`
	Tercero    string  `json:"tercero"`
	Error      *string `json:"error"`
}

// ForceCreate builds a record for a force-create attempt. errMsg is empty
// for accepted attempts, which serializes the error field as null.
func ForceCreate(now time.Time, tercero string, valid bool, errMsg string) Record {
	rec := Record{
		Timestamp:  now.Format(time.RFC3339),
		Action:     ActionForceCreate,
		TokenValid: valid,
		Tercero:    tercero,
	}
	if errMsg != "" {
		rec.Error = &errMsg
	}
	return rec
}

// Sink receives audit records.
type Sink interface {
	Append(rec Record) error
}

// FileSink appends NDJSON lines to a single file, serialized by a mutex.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a sink writing to path. The file is created on first
// append.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Append writes one record as a JSON line.
func (s *FileSink) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}
