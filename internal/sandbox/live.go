package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"foreman/internal/domain"
)

// LiveVerifier replays scenarios that carry an HTTP call against a deployed
// preview. Scenarios without one are skipped.
type LiveVerifier struct {
	Client *http.Client
}

func (l *LiveVerifier) client() *http.Client {
	if l.Client != nil {
		return l.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Verify returns a result whose log lines are prefixed with "live:" so they
// can be told apart after merging into the sandbox result.
func (l *LiveVerifier) Verify(ctx context.Context, baseURL string, scenarios []domain.Scenario) domain.VerificationResult {
	var res domain.VerificationResult
	base := strings.TrimRight(baseURL, "/")
	for _, sc := range scenarios {
		if sc.HTTP == nil {
			continue
		}
		sc.ID = "live:" + sc.ID
		res.TotalScenarios++
		actual, err := l.replay(ctx, base, sc)
		sc.ActualOutput = actual
		switch {
		case err != nil:
			sc.Status = domain.ScenarioFail
			sc.Error = err.Error()
		case !reflect.DeepEqual(actual, normalizeJSON(sc.ExpectedOutput)):
			sc.Status = domain.ScenarioFail
			sc.Error = fmt.Sprintf("expected %s, got %s", compact(sc.ExpectedOutput), compact(actual))
		default:
			sc.Status = domain.ScenarioPass
			sc.Error = ""
		}
		if sc.Status == domain.ScenarioPass {
			res.Passed++
		} else {
			res.Failed++
			res.Logs = append(res.Logs, fmt.Sprintf("%s: %s", sc.ID, sc.Error))
		}
		res.Scenarios = append(res.Scenarios, sc)
	}
	return res
}

func (l *LiveVerifier) replay(ctx context.Context, base string, sc domain.Scenario) (any, error) {
	method := strings.ToUpper(strings.TrimSpace(sc.HTTP.Method))
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if sc.InputData != nil && method != http.MethodGet {
		b, err := json.Marshal(sc.InputData)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	path := sc.HTTP.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := l.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxStdout))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return out, nil
}
