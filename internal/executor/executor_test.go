// Copyright 2025 James Ross
package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"github.com/flyingrobots/judge-platform/internal/sandbox"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	cfg := config.Sandbox{
		Backend:          "native",
		DefaultTimeLimit: 2 * time.Second,
		DefaultMemoryKB:  65536,
		MaxOpenFiles:     64,
		TempDir:          t.TempDir(),
	}
	sb, err := sandbox.New(cfg)
	require.NoError(t, err)
	return sb
}

func catLanguage() Language {
	return Language{
		ID:             "cat",
		SourceFilename: "solution.txt",
		RunCommand:     []string{"/bin/cat", "%SRC%"},
	}
}

func jobWithTestCases(t *testing.T, tcs []TestCase) queue.EvaluationJob {
	t.Helper()
	spec := problemSpec{TestCases: tcs}
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	job := queue.NewEvaluationJob("job-1", "sub-1", "prob-1", "cat", "hello world\n", 5, 2000, 65536, len(tcs), 3)
	job.Metadata = raw
	return job
}

func TestExecuteAcceptedExactMatch(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "hello world\n", Mode: Exact, Points: 100},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "AC", res.Verdict)
	require.Equal(t, 100, res.Score)
	require.Len(t, res.TestResults, 1)
	require.Equal(t, "AC", res.TestResults[0].Verdict)
}

func TestExecuteWrongAnswer(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "goodbye\n", Mode: Exact, Points: 100},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "WA", res.Verdict)
	require.Equal(t, 0, res.Score)
}

func TestExecuteExactModeWhitespaceDiffIsWrongAnswer(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "hello   world\n", Mode: Exact, Points: 50},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "WA", res.Verdict)
}

func TestExecuteIgnoreWhitespaceModeAcceptsSpacingDiff(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: " hello   world\n", Mode: IgnoreWhitespace, Points: 50},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "AC", res.Verdict)
	require.Equal(t, 50, res.Score)
}

func TestExecuteIgnoreWhitespaceModeLineStructureDiffIsPresentationError(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	// Submission prints "hello world\n" on one line; expected output has
	// the same tokens split across two lines.
	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "hello\nworld\n", Mode: IgnoreWhitespace, Points: 50},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "PE", res.Verdict)
	require.Equal(t, 0, res.Score)
}

func TestExecuteIgnoreWhitespaceCaseInsensitive(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "HELLO WORLD\n", Mode: IgnoreWhitespace, CaseInsensitive: true, Points: 50},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "AC", res.Verdict)
}

func TestExecuteCustomCheckerMapsExitCodes(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64, CheckerTimeLimit: 2 * time.Second}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "irrelevant-to-checker\n", Mode: Custom, Points: 100, CheckerPath: "/bin/true"},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "AC", res.Verdict)
	require.Equal(t, 100, res.Score)
}

func TestExecuteCustomCheckerRejectsOnExitOne(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64, CheckerTimeLimit: 2 * time.Second}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "irrelevant-to-checker\n", Mode: Custom, Points: 100, CheckerPath: "/bin/false"},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "WA", res.Verdict)
	require.Equal(t, 0, res.Score)
}

func TestExecuteFloatingPointWithinTolerance(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-3, MaxOutputSizeKB: 64}, sb)

	job := queue.NewEvaluationJob("job-2", "sub-2", "prob-2", "cat", "3.14159\n", 5, 2000, 65536, 1, 3)
	spec := problemSpec{TestCases: []TestCase{
		{ExpectedOutput: "3.14158\n", Mode: FloatingPoint, Points: 100},
	}}
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	job.Metadata = raw

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "AC", res.Verdict)
}

func TestExecuteCompileFailureShortCircuits(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "anything", Mode: Exact, Points: 100},
	})

	lang := Language{
		ID:             "broken",
		SourceFilename: "solution.txt",
		CompileCommand: []string{"/bin/false"},
		RunCommand:     []string{"/bin/cat", "%SRC%"},
	}

	res, err := exec.Execute(context.Background(), job, lang, "worker-1")
	require.NoError(t, err)
	require.Equal(t, "CE", res.Verdict)
	require.Empty(t, res.TestResults)
}

func TestExecuteWorstVerdictWinsAcrossTestCases(t *testing.T) {
	sb := newTestSandbox(t)
	exec := New(config.Executor{FloatTolerance: 1e-6, MaxOutputSizeKB: 64}, sb)

	job := jobWithTestCases(t, []TestCase{
		{ExpectedOutput: "hello world\n", Mode: Exact, Points: 50},
		{ExpectedOutput: "nope", Mode: Exact, Points: 50},
	})

	res, err := exec.Execute(context.Background(), job, catLanguage(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "WA", res.Verdict)
	require.Equal(t, 50, res.Score)
}
