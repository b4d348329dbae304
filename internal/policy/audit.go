// Copyright 2025 James Ross
package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEntry is one recorded PolicyEngine decision. It names the
// subject/action/resource and the deciding policy id but never the
// policy's Condition contents; callers surfacing a refusal can name the
// resource without leaking the rule that refused it.
type AuditEntry struct {
	Timestamp  time.Time
	SubjectID  string
	Action     string
	Resource   string
	Decision   Decision
	PolicyID   string // empty for NotApplicable, or the deciding Deny's ID
}

// AuditLog is a fixed-capacity ring buffer of AuditEntry, safe for
// concurrent Record/Snapshot calls. An optional FileSink tees every
// entry to a rotated file for retention beyond the buffer.
type AuditLog struct {
	mu       sync.Mutex
	entries  []AuditEntry
	capacity int
	next     int
	full     bool
	sink     *FileSink
}

func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &AuditLog{entries: make([]AuditEntry, capacity), capacity: capacity}
}

func (l *AuditLog) Record(req AccessRequest, d Decision, policyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = AuditEntry{
		Timestamp: time.Now(),
		SubjectID: req.Subject.ID,
		Action:    req.Action.Name,
		Resource:  req.Resource.Type + ":" + req.Resource.ID,
		Decision:  d,
		PolicyID:  policyID,
	}
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	if l.sink != nil {
		last := l.next - 1
		if last < 0 {
			last = l.capacity - 1
		}
		l.sink.write(l.entries[last])
	}
}

// SetSink tees future entries to s. Pass nil to detach.
func (l *AuditLog) SetSink(s *FileSink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// Snapshot returns entries oldest-first.
func (l *AuditLog) Snapshot() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]AuditEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]AuditEntry, l.capacity)
	copy(out, l.entries[l.next:])
	copy(out[l.capacity-l.next:], l.entries[:l.next])
	return out
}

// FileSink appends audit entries as JSON lines to a size-rotated file.
type FileSink struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

// NewFileSink opens (creating parent directories) a rotated audit file.
// maxSizeMB bounds a single file before rotation; maxBackups bounds how
// many rotated files are kept.
func NewFileSink(path string, maxSizeMB, maxBackups int, compress bool) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	return &FileSink{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   compress,
	}}, nil
}

func (s *FileSink) write(e AuditEntry) {
	line, err := json.Marshal(struct {
		Timestamp time.Time `json:"timestamp"`
		SubjectID string    `json:"subject_id"`
		Action    string    `json:"action"`
		Resource  string    `json:"resource"`
		Decision  string    `json:"decision"`
		PolicyID  string    `json:"policy_id,omitempty"`
	}{e.Timestamp, e.SubjectID, e.Action, e.Resource, e.Decision.String(), e.PolicyID})
	if err != nil {
		return
	}
	s.mu.Lock()
	_, _ = s.w.Write(append(line, '\n'))
	s.mu.Unlock()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
