// Copyright 2025 James Ross
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/judge-platform/internal/config"
)

// Verdict classifies a completed sandbox execution. The classification
// table is fixed and order-sensitive; see classify().
type Verdict string

const (
	OK                  Verdict = "OK"
	TimeLimitExceeded   Verdict = "TLE"
	MemoryLimitExceeded Verdict = "MLE"
	RuntimeError        Verdict = "RE"
	SecurityViolation   Verdict = "SV"
	InternalError       Verdict = "IE"
)

// ErrSandboxUnavailable is returned by New when the configured backend
// binary cannot be located.
var ErrSandboxUnavailable = errors.New("sandbox: backend unavailable")

// DirOption is a single filesystem-binding modifier, matching isolate's
// --dir suffix flags (read-write, allow-devices, no-exec, maybe-missing,
// is-tmp, is-virtual-fs, non-recursive).
type DirOption string

const (
	DirReadWrite    DirOption = "rw"
	DirAllowDevices DirOption = "dev"
	DirNoExec       DirOption = "noexec"
	DirMaybeMissing DirOption = "maybe"
	DirIsTmp        DirOption = "tmp"
	DirIsVirtualFS  DirOption = "fs"
	DirNonRecursive DirOption = "norec"
)

// DirRule binds InsidePath (a path inside the box) to OutsidePath (a
// path on the host), or, with DirIsTmp/DirIsVirtualFS, creates a
// synthetic mount with no outside path at all.
type DirRule struct {
	InsidePath  string
	OutsidePath string
	Options     []DirOption
}

func (r DirRule) hasOption(o DirOption) bool {
	for _, opt := range r.Options {
		if opt == o {
			return true
		}
	}
	return false
}

// arg renders the rule as a single isolate --dir argument value.
func (r DirRule) arg() string {
	var dirArg string
	switch {
	case r.hasOption(DirIsVirtualFS):
		dirArg = r.InsidePath + ":fs"
	case r.hasOption(DirIsTmp):
		dirArg = r.InsidePath + ":tmp"
	case r.OutsidePath != "":
		dirArg = r.InsidePath + "=" + r.OutsidePath
	default:
		dirArg = r.InsidePath
	}
	var opts []string
	for _, o := range r.Options {
		if o == DirIsTmp || o == DirIsVirtualFS {
			continue // encoded in the path form above, not a suffix option
		}
		opts = append(opts, string(o))
	}
	if len(opts) > 0 {
		dirArg += ":" + strings.Join(opts, ",")
	}
	return dirArg
}

// EnvRuleKind selects how an EnvRule affects the sandboxed process's
// environment.
type EnvRuleKind int

const (
	EnvInherit EnvRuleKind = iota
	EnvSet
	EnvFullInherit
)

// EnvRule is one environment directive: inherit a named variable, set
// one explicitly, or inherit the full host environment.
type EnvRule struct {
	Kind  EnvRuleKind
	Name  string
	Value string
}

// Limits bounds a single execution. Zero-valued numeric fields fall back
// to the sandbox's configured defaults (Sandbox.cfg's Default* fields),
// MaxProcesses included. The process count is left unlimited (a bare
// --processes flag) only when both MaxProcesses and the configured
// DefaultMaxProcesses are 0.
type Limits struct {
	TimeLimit      time.Duration
	WallTimeLimit  time.Duration
	ExtraTime      time.Duration
	MemoryKB       int
	CgroupMemoryKB int
	StackKB        int
	MaxOpenFiles   int
	FileSizeKB     int
	MaxProcesses   int
	QuotaBlocks    int
	QuotaInodes    int

	// DirRules and EnvRules are appended to (not a replacement for) the
	// backend's own default directory/environment bindings; --no-default-dirs
	// is only passed when Sandbox.cfg.NoDefaultDirs is set.
	DirRules []DirRule
	EnvRules []EnvRule

	StdinFile      string
	StdoutFile     string
	StderrFile     string
	StderrToStdout bool

	// ShareNetwork shares the host network namespace with the box; the
	// default (false) leaves test-case execution with no network access.
	ShareNetwork bool
	InheritFDs   bool

	// RunAsUID/RunAsGID select the box's run-as identity; 0 means "not
	// set", leaving the choice to the backend.
	RunAsUID int
	RunAsGID int

	Stdin string
}

// Result is the structured outcome of one sandboxed execution, parsed
// from the backend's metadata file.
type Result struct {
	ExitCode        int
	TerminatingSig  int
	Killed          bool
	OOMKilled       bool
	Status          string
	CPUTimeUsed     time.Duration
	WallTimeUsed    time.Duration
	MaxRSSKB        int
	Stdout          string
	Stderr          string
	Verdict         Verdict
}

// Sandbox executes one program at a time under an external isolation
// tool. Every invocation gets a unique numbered box and a unique working
// directory; cleanup removes both, including on a cancelled context.
type Sandbox struct {
	cfg           config.Sandbox
	nextBox       int64
	extraDirRules []DirRule
	extraEnvRules []EnvRule
}

func New(cfg config.Sandbox) (*Sandbox, error) {
	if cfg.Backend == "isolate" {
		if _, err := os.Stat(cfg.IsolateBinary); err != nil {
			return nil, fmt.Errorf("%w: %s not found", ErrSandboxUnavailable, cfg.IsolateBinary)
		}
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create temp dir: %w", err)
	}

	dirRules := make([]DirRule, 0, len(cfg.ExtraDirRules))
	for _, d := range cfg.ExtraDirRules {
		opts := make([]DirOption, 0, len(d.Options))
		for _, o := range d.Options {
			opts = append(opts, DirOption(o))
		}
		dirRules = append(dirRules, DirRule{InsidePath: d.InsidePath, OutsidePath: d.OutsidePath, Options: opts})
	}
	envRules := make([]EnvRule, 0, len(cfg.ExtraEnvRules))
	for _, e := range cfg.ExtraEnvRules {
		kind := EnvInherit
		switch e.Kind {
		case "set":
			kind = EnvSet
		case "full_inherit":
			kind = EnvFullInherit
		}
		envRules = append(envRules, EnvRule{Kind: kind, Name: e.Name, Value: e.Value})
	}

	return &Sandbox{cfg: cfg, extraDirRules: dirRules, extraEnvRules: envRules}, nil
}

// resolvedLimits holds every limit after defaulting against the
// Sandbox's configured Default* values.
type resolvedLimits struct {
	timeLimit      time.Duration
	wallLimit      time.Duration
	extraTime      time.Duration
	memKB          int
	cgMemKB        int
	stackKB        int
	openFiles      int
	fileSizeKB     int
	maxProcesses   int
	quotaBlocks    int
	quotaInodes    int
	runAsUID       int
	runAsGID       int
}

func (s *Sandbox) resolve(limits Limits) resolvedLimits {
	timeLimit := limits.TimeLimit
	if timeLimit <= 0 {
		timeLimit = s.cfg.DefaultTimeLimit
	}
	wallLimit := limits.WallTimeLimit
	if wallLimit <= 0 {
		wallLimit = nonZeroDuration(s.cfg.DefaultWallTimeLimit, timeLimit+2*time.Second)
	}
	return resolvedLimits{
		timeLimit:    timeLimit,
		wallLimit:    wallLimit,
		extraTime:    nonZeroDuration(limits.ExtraTime, s.cfg.DefaultExtraTime),
		memKB:        nonZero(limits.MemoryKB, s.cfg.DefaultMemoryKB),
		cgMemKB:      nonZero(limits.CgroupMemoryKB, s.cfg.DefaultCgroupMemoryKB),
		stackKB:      nonZero(limits.StackKB, s.cfg.DefaultStackKB),
		openFiles:    nonZero(limits.MaxOpenFiles, s.cfg.MaxOpenFiles),
		fileSizeKB:   nonZero(limits.FileSizeKB, s.cfg.DefaultFileSizeKB),
		maxProcesses: nonZero(limits.MaxProcesses, s.cfg.DefaultMaxProcesses),
		quotaBlocks:  nonZero(limits.QuotaBlocks, s.cfg.DefaultQuotaBlocks),
		quotaInodes:  nonZero(limits.QuotaInodes, s.cfg.DefaultQuotaInodes),
		runAsUID:     nonZero(limits.RunAsUID, s.cfg.RunAsUID),
		runAsGID:     nonZero(limits.RunAsGID, s.cfg.RunAsGID),
	}
}

// isolateInit/isolateCleanup bracket a box's lifetime with the backend's
// own --init/--cleanup operations.
func (s *Sandbox) isolateInit(ctx context.Context, boxID int, rl resolvedLimits) error {
	initArgs := []string{fmt.Sprintf("--box-id=%d", boxID), "--init"}
	if rl.quotaBlocks > 0 || rl.quotaInodes > 0 {
		initArgs = append(initArgs, fmt.Sprintf("--quota=%d,%d", rl.quotaBlocks, rl.quotaInodes))
	}
	if s.cfg.UseCgroups {
		initArgs = append(initArgs, "--cg")
	}
	if rl.runAsUID > 0 {
		initArgs = append(initArgs, fmt.Sprintf("--as-uid=%d", rl.runAsUID))
	}
	if rl.runAsGID > 0 {
		initArgs = append(initArgs, fmt.Sprintf("--as-gid=%d", rl.runAsGID))
	}
	out, err := exec.CommandContext(ctx, s.cfg.IsolateBinary, initArgs...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("sandbox: isolate --init: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Sandbox) isolateCleanup(boxID int) {
	cleanupArgs := []string{fmt.Sprintf("--box-id=%d", boxID), "--cleanup"}
	if s.cfg.UseCgroups {
		cleanupArgs = append(cleanupArgs, "--cg")
	}
	_ = exec.Command(s.cfg.IsolateBinary, cleanupArgs...).Run()
}

// Run executes program with args under the given limits and returns a
// classified Result. The context's deadline (if any) additionally bounds
// execution; on cancellation the child process is killed, never left
// running (kill-on-drop). For the isolate backend, Run brackets the
// invocation with isolate --init/--cleanup itself, so callers never
// observe a partially-initialized box.
func (s *Sandbox) Run(ctx context.Context, program string, args []string, limits Limits) (*Result, error) {
	boxID := int(atomic.AddInt64(&s.nextBox, 1)) + s.cfg.BoxIDBase
	workDir := filepath.Join(s.cfg.TempDir, fmt.Sprintf("box-%d-%d", boxID, time.Now().UnixNano()))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	rl := s.resolve(limits)

	runCtx, cancel := context.WithTimeout(ctx, rl.wallLimit)
	defer cancel()

	metaPath := filepath.Join(workDir, "meta.txt")

	var cmd *exec.Cmd
	switch s.cfg.Backend {
	case "isolate":
		if err := s.isolateInit(ctx, boxID, rl); err != nil {
			return nil, err
		}
		defer s.isolateCleanup(boxID)

		isolateArgs := s.buildIsolateRunArgs(boxID, metaPath, rl, limits, workDir)
		isolateArgs = append(isolateArgs, "--")
		isolateArgs = append(isolateArgs, program)
		isolateArgs = append(isolateArgs, args...)
		cmd = exec.CommandContext(runCtx, s.cfg.IsolateBinary, isolateArgs...)
	default: // native
		cmd = exec.CommandContext(runCtx, program, args...)
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if limits.Stdin != "" {
		cmd.Stdin = strings.NewReader(limits.Stdin)
	}

	start := time.Now()
	runErr := cmd.Run()
	wallUsed := time.Since(start)

	stdout, stderr := readOutput(workDir, limits.StdoutFile, stdoutBuf.String()), readOutput(workDir, limits.StderrFile, stderrBuf.String())
	if limits.StderrToStdout && limits.StderrFile == "" {
		stdout += stderr
		stderr = ""
	}

	res := &Result{
		Stdout:       stdout,
		Stderr:       stderr,
		WallTimeUsed: wallUsed,
	}

	if s.cfg.Backend == "isolate" {
		if meta, err := parseMetadata(metaPath); err == nil {
			applyMetadata(res, meta)
		}
	}

	if res.ExitCode == 0 && runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else if runCtx.Err() == context.DeadlineExceeded {
			res.Killed = true
			res.Status = "timeout"
		}
	}

	res.Verdict = classify(res)
	return res, nil
}

// buildIsolateRunArgs renders the resolved limits and binding rules into
// the isolate --run argument list.
func (s *Sandbox) buildIsolateRunArgs(boxID int, metaPath string, rl resolvedLimits, limits Limits, workDir string) []string {
	a := []string{
		fmt.Sprintf("--box-id=%d", boxID),
		"--run",
		fmt.Sprintf("--meta=%s", metaPath),
		fmt.Sprintf("--time=%g", rl.timeLimit.Seconds()),
		fmt.Sprintf("--wall-time=%g", rl.wallLimit.Seconds()),
	}
	if rl.extraTime > 0 {
		a = append(a, fmt.Sprintf("--extra-time=%g", rl.extraTime.Seconds()))
	}
	a = append(a, fmt.Sprintf("--mem=%d", rl.memKB))
	if rl.cgMemKB > 0 {
		a = append(a, fmt.Sprintf("--cg-mem=%d", rl.cgMemKB))
	}
	if rl.stackKB > 0 {
		a = append(a, fmt.Sprintf("--stack=%d", rl.stackKB))
	}
	a = append(a, fmt.Sprintf("--open-files=%d", rl.openFiles))
	if rl.fileSizeKB > 0 {
		a = append(a, fmt.Sprintf("--fsize=%d", rl.fileSizeKB))
	}
	if rl.maxProcesses == 0 {
		a = append(a, "--processes") // bare flag lifts the process cap
	} else {
		a = append(a, fmt.Sprintf("--processes=%d", rl.maxProcesses))
	}

	if limits.StdinFile != "" {
		a = append(a, fmt.Sprintf("--stdin=%s", limits.StdinFile))
	}
	if limits.StdoutFile != "" {
		a = append(a, fmt.Sprintf("--stdout=%s", limits.StdoutFile))
	}
	if limits.StderrFile != "" {
		a = append(a, fmt.Sprintf("--stderr=%s", limits.StderrFile))
	}
	if limits.StderrToStdout && limits.StderrFile == "" {
		a = append(a, "--stderr-to-stdout")
	}

	if s.cfg.NoDefaultDirs {
		a = append(a, "--no-default-dirs")
	}
	for _, d := range append(append([]DirRule{}, s.extraDirRules...), limits.DirRules...) {
		a = append(a, "--dir="+d.arg())
	}

	for _, e := range append(append([]EnvRule{}, s.extraEnvRules...), limits.EnvRules...) {
		switch e.Kind {
		case EnvInherit:
			a = append(a, "--env="+e.Name)
		case EnvSet:
			a = append(a, fmt.Sprintf("--env=%s=%s", e.Name, e.Value))
		case EnvFullInherit:
			a = append(a, "--full-env")
		}
	}

	if s.cfg.UseCgroups {
		a = append(a, "--cg")
	}
	if limits.ShareNetwork {
		a = append(a, "--share-net")
	}
	if limits.InheritFDs {
		a = append(a, "--inherit-fds")
	}

	_ = workDir // workDir retained for stdio-file resolution in readOutput, not the arg list itself
	return a
}

// readOutput returns the content that belongs in a Result's stdout/stderr
// field: the file isolate was told to redirect into (relative to workDir),
// or the process's captured pipe output when no redirection was requested.
func readOutput(workDir, file, captured string) string {
	if file == "" {
		return captured
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, file)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return captured
	}
	return string(b)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func nonZero(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// classify applies the fixed, order-sensitive verdict table.
func classify(r *Result) Verdict {
	status := strings.ToLower(r.Status)
	stderr := strings.ToLower(r.Stderr)
	switch {
	case r.OOMKilled || strings.Contains(status, "out of memory"):
		return MemoryLimitExceeded
	case (r.Killed && r.WallTimeUsed > 0) || strings.Contains(status, "time limit"):
		return TimeLimitExceeded
	case r.ExitCode == 137:
		return MemoryLimitExceeded
	case r.ExitCode == 124:
		return TimeLimitExceeded
	case strings.Contains(stderr, "security violation") || strings.Contains(stderr, "forbidden"):
		return SecurityViolation
	case r.ExitCode == 0:
		return OK
	default:
		return RuntimeError
	}
}

type metadata map[string]string

func parseMetadata(path string) (metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m := metadata{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		m[parts[0]] = parts[1]
	}
	return m, sc.Err()
}

func applyMetadata(res *Result, m metadata) {
	if v, ok := m["status"]; ok {
		res.Status = v
	}
	if v, ok := m["exitcode"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			res.ExitCode = n
		}
	}
	if v, ok := m["exitsig"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			res.TerminatingSig = n
		}
	}
	if _, ok := m["killed"]; ok {
		res.Killed = true
	}
	if v, ok := m["cg-oom-killed"]; ok && v == "1" {
		res.OOMKilled = true
	}
	if v, ok := m["time"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			res.CPUTimeUsed = time.Duration(f * float64(time.Second))
		}
	}
	if v, ok := m["time-wall"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			res.WallTimeUsed = time.Duration(f * float64(time.Second))
		}
	}
	if v, ok := m["cg-mem"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			res.MaxRSSKB = n
		}
	} else if v, ok := m["max-rss"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			res.MaxRSSKB = n
		}
	}
}
