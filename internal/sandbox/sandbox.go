// Package sandbox runs issue verification fixtures in a separate,
// resource-limited process and turns the outcome into a VerificationResult.
package sandbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"foreman/internal/domain"
	"foreman/internal/pathguard"
)

const (
	DefaultTimeout         = 5 * time.Second
	DefaultVerificationDir = "verification"

	maxStdout = 4 << 20
	maxStderr = 64 << 10
)

// SecurityViolation is returned when a fixture path resolves outside the
// workspace verification directory. Nothing is executed in that case.
type SecurityViolation struct {
	FixturePath string
	AllowedDir  string
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation: fixture %s is outside %s", e.FixturePath, e.AllowedDir)
}

type Sandbox struct {
	// Command is the child argv. Empty means re-executing the current binary,
	// which must call MaybeRunChild at startup.
	Command           []string
	Timeout           time.Duration
	CPUSeconds        uint64
	AddressSpaceBytes uint64
	IsolateNetwork    bool
	VerificationDir   string
	Logger            *slog.Logger
}

func (s *Sandbox) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Sandbox) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

func (s *Sandbox) verificationDir() string {
	if strings.TrimSpace(s.VerificationDir) != "" {
		return s.VerificationDir
	}
	return DefaultVerificationDir
}

// Verify runs v's fixture against each scenario. Failures of the fixture
// itself (missing file, timeout, crash, malformed output) fail every
// scenario and return a nil error. A non-nil error means either a
// *SecurityViolation or cancellation of ctx.
func (s *Sandbox) Verify(ctx context.Context, v domain.IssueVerification, workspaceRoot string) (domain.VerificationResult, error) {
	if strings.TrimSpace(v.FixturePath) == "" {
		return domain.VerificationResult{Logs: []string{"no verification fixture configured"}}, nil
	}

	allowed := filepath.Join(workspaceRoot, s.verificationDir())
	target := v.FixturePath
	if !filepath.IsAbs(target) {
		target = filepath.Join(workspaceRoot, target)
	}
	fixture, _, err := pathguard.Resolve(allowed, target)
	if err != nil {
		s.logger().Error("verification fixture outside verification directory",
			"fixture", v.FixturePath, "allowed_dir", allowed)
		return domain.VerificationResult{}, &SecurityViolation{FixturePath: v.FixturePath, AllowedDir: allowed}
	}

	src, err := os.ReadFile(fixture)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failAll(v.Scenarios, "", fmt.Sprintf("fixture %s not found", v.FixturePath)), nil
		}
		return failAll(v.Scenarios, "", fmt.Sprintf("read fixture %s: %v", v.FixturePath, err)), nil
	}
	sum := blake3.Sum256(src)
	digest := hex.EncodeToString(sum[:])

	req := Request{FixturePath: fixture, Scenarios: make([]RequestScenario, 0, len(v.Scenarios))}
	for _, sc := range v.Scenarios {
		req.Scenarios = append(req.Scenarios, RequestScenario{ID: sc.ID, InputData: sc.InputData, ExpectedOutput: sc.ExpectedOutput})
	}

	start := time.Now()
	resp, reason, err := s.run(ctx, req)
	s.logger().Debug("verification finished", "fixture", v.FixturePath, "duration", time.Since(start), "scenarios", len(v.Scenarios))
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if reason != "" {
		return failAll(v.Scenarios, digest, reason), nil
	}
	return assemble(v.Scenarios, resp, digest), nil
}

func (s *Sandbox) argv() ([]string, error) {
	if len(s.Command) > 0 {
		return s.Command, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return []string{exe}, nil
}

func (s *Sandbox) env() []string {
	env := []string{EnvChild + "=" + childEnabled}
	if s.CPUSeconds > 0 {
		env = append(env, EnvCPUSeconds+"="+strconv.FormatUint(s.CPUSeconds, 10))
	}
	if s.AddressSpaceBytes > 0 {
		env = append(env, EnvAddressSpace+"="+strconv.FormatUint(s.AddressSpaceBytes, 10))
	}
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		env = append(env, "TMPDIR="+tmp)
	}
	return env
}

// run returns a non-empty reason when the child did not produce a usable
// response, and an error only when ctx was canceled.
func (s *Sandbox) run(ctx context.Context, req Request) (Response, string, error) {
	argv, err := s.argv()
	if err != nil {
		return Response{}, err.Error(), nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, "encode request: " + err.Error(), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	stdout := &capped{limit: maxStdout}
	stderr := &capped{limit: maxStderr}
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = s.env()
	cmd.Dir = filepath.Dir(req.FixturePath)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd, s.IsolateNetwork)
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Response{}, "", ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Response{}, fmt.Sprintf("verification timed out after %s", s.timeout()), nil
	}
	if runErr != nil {
		return Response{}, fmt.Sprintf("verification process failed: %v%s", runErr, stderrSuffix(stderr)), nil
	}
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Response{}, fmt.Sprintf("malformed verification output: %v%s", err, stderrSuffix(stderr)), nil
	}
	if !resp.OK {
		msg := "fixture failed"
		if resp.FatalError != nil {
			msg = *resp.FatalError
		}
		if resp.Traceback != "" {
			msg += "\n" + resp.Traceback
		}
		return Response{}, msg, nil
	}
	return resp, "", nil
}

func stderrSuffix(c *capped) string {
	tail := strings.TrimSpace(c.String())
	if tail == "" {
		return ""
	}
	return "; stderr: " + tail
}

func failAll(scenarios []domain.Scenario, digest, reason string) domain.VerificationResult {
	res := domain.VerificationResult{
		Failed:         len(scenarios),
		TotalScenarios: len(scenarios),
		FixtureDigest:  digest,
		Logs:           []string{reason},
		Scenarios:      make([]domain.Scenario, 0, len(scenarios)),
	}
	for _, sc := range scenarios {
		sc.Status = domain.ScenarioFail
		sc.ActualOutput = nil
		sc.Error = reason
		res.Scenarios = append(res.Scenarios, sc)
	}
	return res
}

func assemble(scenarios []domain.Scenario, resp Response, digest string) domain.VerificationResult {
	byID := make(map[string]ScenarioResult, len(resp.Results))
	for _, r := range resp.Results {
		byID[r.ID] = r
	}
	res := domain.VerificationResult{
		TotalScenarios: len(scenarios),
		FixtureDigest:  digest,
		Scenarios:      make([]domain.Scenario, 0, len(scenarios)),
	}
	for _, sc := range scenarios {
		r, ok := byID[sc.ID]
		switch {
		case !ok:
			sc.Status = domain.ScenarioFail
			sc.Error = "no result reported"
		case r.Status == statusPass:
			sc.Status = domain.ScenarioPass
			sc.ActualOutput = r.ActualOutput
			sc.Error = ""
		default:
			sc.Status = domain.ScenarioFail
			sc.ActualOutput = r.ActualOutput
			sc.Error = "failed"
			if r.Error != nil {
				sc.Error = *r.Error
			}
		}
		if sc.Status == domain.ScenarioPass {
			res.Passed++
		} else {
			res.Failed++
			res.Logs = append(res.Logs, fmt.Sprintf("scenario %s: %s", sc.ID, sc.Error))
		}
		res.Scenarios = append(res.Scenarios, sc)
	}
	return res
}

// capped keeps the first limit bytes written and discards the rest.
type capped struct {
	bytes.Buffer
	limit int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.limit - c.Len(); room > 0 {
		if len(p) > room {
			c.Buffer.Write(p[:room])
		} else {
			c.Buffer.Write(p)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*capped)(nil)
