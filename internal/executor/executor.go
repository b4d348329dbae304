// Copyright 2025 James Ross
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"github.com/flyingrobots/judge-platform/internal/sandbox"
)

// ComparisonMode selects how a test case's actual output is checked
// against its expected output.
type ComparisonMode string

const (
	Exact            ComparisonMode = "exact"
	IgnoreWhitespace ComparisonMode = "ignore_whitespace"
	FloatingPoint    ComparisonMode = "floating_point"
	Custom           ComparisonMode = "custom"
)

// Language describes how to materialize, optionally compile, and run a
// submission's source code.
type Language struct {
	ID              string
	SourceFilename  string
	CompileCommand  []string // empty means no compilation step
	RunCommand      []string // %SRC% replaced with the compiled/source path, %DIR% with the work dir
}

// TestCase is one input/expected-output pair plus its comparison rule.
// CheckerPath is only used when Mode == Custom; CaseInsensitive only
// when Mode == IgnoreWhitespace.
type TestCase struct {
	Input           string         `json:"input"`
	ExpectedOutput  string         `json:"expected_output"`
	Mode            ComparisonMode `json:"mode"`
	Tolerance       float64        `json:"tolerance"`
	Points          int            `json:"points"`
	CheckerPath     string         `json:"checker_path"`
	CaseInsensitive bool           `json:"case_insensitive"`
}

// problemSpec is the shape decoded out of EvaluationJob.Metadata.
// Persistent storage for problems is an external collaborator; the
// executor only needs whatever the kernel embedded in the job at submit
// time.
type problemSpec struct {
	TestCases []TestCase `json:"test_cases"`
}

// Executor compiles and runs a submission's test cases inside a Sandbox,
// comparing output per test case and aggregating a final verdict.
type Executor struct {
	cfg config.Executor
	sb  *sandbox.Sandbox
}

func New(cfg config.Executor, sb *sandbox.Sandbox) *Executor {
	return &Executor{cfg: cfg, sb: sb}
}

// verdictRank orders verdicts worst-to-best for aggregation:
// SE > CE > MLE > TLE > RE > WA > PE > PC > AC (PC = partial credit,
// unused for binary tests).
var verdictRank = map[string]int{
	"SE": 8, "CE": 7, "MLE": 6, "TLE": 5, "RE": 4, "SV": 4, "WA": 3, "PE": 2, "PC": 1, "AC": 0,
}

func worseVerdict(a, b string) string {
	if verdictRank[a] >= verdictRank[b] {
		return a
	}
	return b
}

// Execute runs job.SourceCode against the test cases embedded in its
// metadata and returns an aggregated EvaluationResult.
func (e *Executor) Execute(ctx context.Context, job queue.EvaluationJob, lang Language, workerNodeID string) (queue.EvaluationResult, error) {
	result := queue.EvaluationResult{
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		WorkerNodeID: workerNodeID,
	}

	var spec problemSpec
	if len(job.Metadata) > 0 {
		if err := json.Unmarshal(job.Metadata, &spec); err != nil {
			result.Verdict = "SE"
			result.CompileOutput = fmt.Sprintf("invalid problem metadata: %v", err)
			result.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
			return result, nil
		}
	}

	workDir, err := os.MkdirTemp("", "judge-exec-*")
	if err != nil {
		return result, fmt.Errorf("executor: create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	srcPath := filepath.Join(workDir, lang.SourceFilename)
	if err := os.WriteFile(srcPath, []byte(job.SourceCode), 0o644); err != nil {
		return result, fmt.Errorf("executor: write source: %w", err)
	}

	runPath := srcPath
	if len(lang.CompileCommand) > 0 {
		compileTimeout := e.cfg.CompileTimeLimit
		if compileTimeout <= 0 {
			compileTimeout = 10 * time.Second
		}
		compileArgs := substitutePath(lang.CompileCommand[1:], srcPath, workDir)
		compileCtx, cancel := context.WithTimeout(ctx, compileTimeout)
		cr, err := e.sb.Run(compileCtx, lang.CompileCommand[0], compileArgs, sandbox.Limits{
			TimeLimit: compileTimeout,
		})
		cancel()
		if err != nil {
			return result, fmt.Errorf("executor: compile: %w", err)
		}
		if cr.ExitCode != 0 {
			result.Verdict = "CE"
			result.CompileOutput = truncate(cr.Stderr, e.cfg.MaxOutputSizeKB*1024)
			result.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
			return result, nil
		}
		runPath = filepath.Join(workDir, "a.out")
	}

	overall := "AC"
	var peakTime, peakMem int
	var score int
	runCmd := substitutePath(lang.RunCommand, runPath, workDir)
	for i, tc := range spec.TestCases {
		runArgs := runCmd[1:]
		limits := sandbox.Limits{
			TimeLimit: time.Duration(job.TimeLimitMS) * time.Millisecond,
			MemoryKB:  job.MemoryLimitKB,
			Stdin:     tc.Input,
		}
		rr, err := e.sb.Run(ctx, runCmd[0], runArgs, limits)
		if err != nil {
			return result, fmt.Errorf("executor: run testcase %d: %w", i, err)
		}

		tv := string(rr.Verdict)
		if tv == "OK" {
			if matched, verdict := compare(ctx, tc, rr.Stdout, e, workDir); matched {
				tv = "AC"
			} else {
				tv = verdict
			}
		}

		tr := queue.TestResult{
			TestNumber:        i + 1,
			Verdict:           tv,
			ExecutionTimeMS:   int(rr.WallTimeUsed.Milliseconds()),
			ExecutionMemoryKB: rr.MaxRSSKB,
			Stdout:            truncate(rr.Stdout, e.cfg.MaxOutputSizeKB*1024),
			Stderr:            truncate(rr.Stderr, e.cfg.MaxOutputSizeKB*1024),
			ExitCode:          rr.ExitCode,
		}
		result.TestResults = append(result.TestResults, tr)

		if tr.ExecutionTimeMS > peakTime {
			peakTime = tr.ExecutionTimeMS
		}
		if tr.ExecutionMemoryKB > peakMem {
			peakMem = tr.ExecutionMemoryKB
		}
		if tv == "AC" {
			score += tc.Points
		}
		overall = worseVerdict(overall, tv)
	}

	result.Verdict = overall
	result.Score = score
	result.ExecutionTimeMS = peakTime
	result.ExecutionMemoryKB = peakMem
	result.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return result, nil
}

// compare applies the testcase's comparison mode. Returns (true, "AC")
// on acceptance, or (false, verdict) with the specific rejection verdict.
// Exact requires byte-for-byte equality; the whitespace-only-diff
// PresentationError rule applies only to IgnoreWhitespace.
func compare(ctx context.Context, tc TestCase, actual string, e *Executor, workDir string) (bool, string) {
	switch tc.Mode {
	case Exact, "":
		if actual == tc.ExpectedOutput {
			return true, "AC"
		}
		return false, "WA"
	case IgnoreWhitespace:
		a, e := actual, tc.ExpectedOutput
		if tc.CaseInsensitive {
			a, e = strings.ToLower(a), strings.ToLower(e)
		}
		if normalizeLines(a) == normalizeLines(e) {
			return true, "AC"
		}
		if normalizeWhitespace(a) == normalizeWhitespace(e) {
			return false, "PE"
		}
		return false, "WA"
	case FloatingPoint:
		tol := tc.Tolerance
		if tol <= 0 {
			tol = e.cfg.FloatTolerance
		}
		ok := compareFloats(actual, tc.ExpectedOutput, tol)
		if ok {
			return true, "AC"
		}
		return false, "WA"
	case Custom:
		if tc.CheckerPath == "" {
			return false, "WA"
		}
		return runChecker(ctx, e, tc, actual, workDir)
	default:
		return false, "WA"
	}
}

// runChecker invokes tc.CheckerPath under the sandbox, testlib-style,
// with the input, the submission's actual output, and the expected
// output as positional file arguments. Checker exit codes map 0 -> AC,
// 1 -> WA, 2 -> PE, anything else -> SE.
func runChecker(ctx context.Context, e *Executor, tc TestCase, actual, workDir string) (bool, string) {
	inputFile, err := writeTempFile(workDir, "checker-input-*.txt", tc.Input)
	if err != nil {
		return false, "SE"
	}
	actualFile, err := writeTempFile(workDir, "checker-actual-*.txt", actual)
	if err != nil {
		return false, "SE"
	}
	expectedFile, err := writeTempFile(workDir, "checker-expected-*.txt", tc.ExpectedOutput)
	if err != nil {
		return false, "SE"
	}

	timeout := e.cfg.CheckerTimeLimit
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	checkerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rr, err := e.sb.Run(checkerCtx, tc.CheckerPath, []string{inputFile, actualFile, expectedFile}, sandbox.Limits{
		TimeLimit: timeout,
	})
	if err != nil {
		return false, "SE"
	}
	switch rr.ExitCode {
	case 0:
		return true, "AC"
	case 1:
		return false, "WA"
	case 2:
		return false, "PE"
	default:
		return false, "SE"
	}
}

func writeTempFile(dir, pattern, content string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// normalizeLines collapses runs of whitespace within each line to single
// spaces and trims the ends, preserving line structure.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// normalizeWhitespace collapses all whitespace, newlines included; two
// outputs equal under this but not under normalizeLines differ only in
// line structure.
func normalizeWhitespace(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

func compareFloats(actual, expected string, tolerance float64) bool {
	af := strings.Fields(actual)
	ef := strings.Fields(expected)
	if len(af) != len(ef) {
		return false
	}
	for i := range af {
		a, err1 := strconv.ParseFloat(af[i], 64)
		b, err2 := strconv.ParseFloat(ef[i], 64)
		if err1 != nil || err2 != nil {
			return false
		}
		diff := math.Abs(a - b)
		rel := diff / math.Max(1, math.Abs(b))
		if diff > tolerance && rel > tolerance {
			return false
		}
	}
	return true
}

func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}

func substitutePath(args []string, path, workDir string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, "%SRC%", path)
		a = strings.ReplaceAll(a, "%DIR%", workDir)
		out[i] = a
	}
	return out
}
