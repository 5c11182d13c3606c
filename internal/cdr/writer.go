// Package cdr appends call detail records as JSON lines. Writing is
// fire-and-forget from the engine's perspective; a failed write is
// logged and never blocks call teardown.
package cdr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one completed call.
type Record struct {
	CallID     string    `json:"call_id"`
	Direction  string    `json:"direction"`
	Caller     string    `json:"caller"`
	Callee     string    `json:"callee"`
	StartTime  time.Time `json:"start_time"`
	AnswerTime time.Time `json:"answer_time,omitempty"`
	EndTime    time.Time `json:"end_time"`
	Duration   float64   `json:"duration_seconds"`
	TalkTime   float64   `json:"talk_seconds"`
	Reason     string    `json:"termination_reason"`
	AIHandled  bool      `json:"ai_handled"`
}

// Writer appends records to a JSONL file, one file per day.
type Writer struct {
	mu  sync.Mutex
	dir string

	file    *os.File
	fileDay string
}

// NewWriter creates a writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create CDR dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Write appends one record.
func (w *Writer) Write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal CDR: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	day := rec.EndTime.Format("20060102")
	if day == "" || rec.EndTime.IsZero() {
		day = time.Now().Format("20060102")
	}
	if w.file == nil || w.fileDay != day {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, "cdr-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open CDR file: %w", err)
		}
		w.file = f
		w.fileDay = day
	}

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append CDR: %w", err)
	}
	return nil
}

// Close closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
