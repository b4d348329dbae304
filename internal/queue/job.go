// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// EvaluationJob is the unit of work placed on a priority queue by the
// kernel and claimed by a worker. Priority is a raw 0..=10 integer
// (10 = most urgent); QueueKeyForPriority maps it onto one of the named
// Redis lanes configured in Worker.Queues/Priorities.
type EvaluationJob struct {
	ID             string          `json:"id"`
	SubmissionID   string          `json:"submission_id"`
	ProblemID      string          `json:"problem_id"`
	LanguageID     string          `json:"language_id"`
	SourceCode     string          `json:"source_code"`
	Priority       int             `json:"priority"`
	TimeLimitMS    int             `json:"time_limit_ms"`
	MemoryLimitKB  int             `json:"memory_limit_kb"`
	TestCaseCount  int             `json:"test_case_count"`
	CreatedAt      string          `json:"created_at"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"max_retries"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	SpanID         string          `json:"span_id,omitempty"`
}

// NewEvaluationJob builds a job with a fresh creation timestamp and
// zeroed retry counter. maxRetries of 0 means unbounded retries.
// priority is clamped into the 0..=10 range.
func NewEvaluationJob(id, submissionID, problemID, languageID, source string, priority, timeLimitMS, memoryLimitKB, testCaseCount, maxRetries int) EvaluationJob {
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	return EvaluationJob{
		ID:            id,
		SubmissionID:  submissionID,
		ProblemID:     problemID,
		LanguageID:    languageID,
		SourceCode:    source,
		Priority:      priority,
		TimeLimitMS:   timeLimitMS,
		MemoryLimitKB: memoryLimitKB,
		TestCaseCount: testCaseCount,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		MaxRetries:    maxRetries,
	}
}

func (j EvaluationJob) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalEvaluationJob(s string) (EvaluationJob, error) {
	var j EvaluationJob
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// TestResult is the per-testcase outcome recorded by the executor.
type TestResult struct {
	TestNumber        int    `json:"test_number"`
	Verdict           string `json:"verdict"`
	ExecutionTimeMS   int    `json:"execution_time_ms"`
	ExecutionMemoryKB int    `json:"execution_memory_kb"`
	Stdout            string `json:"stdout,omitempty"`
	Stderr            string `json:"stderr,omitempty"`
	ExitCode          int    `json:"exit_code"`
}

// EvaluationResult is produced by a worker after the executor finishes
// running every testcase (or stops early on a compile failure).
type EvaluationResult struct {
	JobID             string       `json:"job_id"`
	SubmissionID      string       `json:"submission_id"`
	Verdict           string       `json:"verdict"`
	ExecutionTimeMS   int          `json:"execution_time_ms"`
	ExecutionMemoryKB int          `json:"execution_memory_kb"`
	Score             int          `json:"score"`
	TestResults       []TestResult `json:"test_results"`
	CompileOutput     string       `json:"compile_output,omitempty"`
	CompletedAt       string       `json:"completed_at"`
	WorkerNodeID      string       `json:"worker_node_id"`
}

func (r EvaluationResult) Marshal() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalEvaluationResult(s string) (EvaluationResult, error) {
	var r EvaluationResult
	err := json.Unmarshal([]byte(s), &r)
	return r, err
}

// WorkerHeartbeat is the liveness record a worker refreshes on a TTL key.
// The reaper treats a missing key as proof the worker died mid-job.
type WorkerHeartbeat struct {
	WorkerID      string   `json:"worker_id"`
	NodeID        string   `json:"node_id"`
	Status        string   `json:"status"`
	CurrentLoad   int      `json:"current_load"`
	MaxCapacity   int      `json:"max_capacity"`
	Capabilities  []string `json:"capabilities,omitempty"`
	LastHeartbeat string   `json:"last_heartbeat"`
}

func (h WorkerHeartbeat) Marshal() (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// QueueStats summarizes queue depth and worker activity for the admin CLI.
type QueueStats struct {
	PendingJobs              int64 `json:"pending_jobs"`
	RunningJobs              int64 `json:"running_jobs"`
	CompletedJobs            int64 `json:"completed_jobs"`
	FailedJobs               int64 `json:"failed_jobs"`
	ActiveWorkers            int64 `json:"active_workers"`
	AverageWaitTimeMS        int64 `json:"average_wait_time_ms"`
	AverageExecutionTimeMS   int64 `json:"average_execution_time_ms"`
}
