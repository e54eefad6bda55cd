package sandbox

// Request is written to the child on stdin.
type Request struct {
	FixturePath string            `json:"fixture_path"`
	Scenarios   []RequestScenario `json:"scenarios"`
}

type RequestScenario struct {
	ID             string `json:"id"`
	InputData      any    `json:"input_data"`
	ExpectedOutput any    `json:"expected_output"`
}

// Response is the single JSON document the child writes to stdout.
type Response struct {
	OK         bool             `json:"ok"`
	FatalError *string          `json:"fatal_error"`
	Traceback  string           `json:"traceback,omitempty"`
	Results    []ScenarioResult `json:"results"`
}

type ScenarioResult struct {
	ID             string  `json:"id"`
	ExpectedOutput any     `json:"expected_output"`
	ActualOutput   any     `json:"actual_output"`
	Status         string  `json:"status"`
	Error          *string `json:"error"`
}

const (
	statusPass = "pass"
	statusFail = "fail"
)

// Environment understood by the child process.
const (
	EnvChild        = "FOREMAN_SANDBOX_CHILD"
	EnvCPUSeconds   = "FOREMAN_SANDBOX_CPU_SECONDS"
	EnvAddressSpace = "FOREMAN_SANDBOX_AS_BYTES"
)

const childEnabled = "1"
