package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/traefik/yaegi/interp"
)

// MaybeRunChild turns the current process into a verification child when
// EnvChild is set and never returns in that case. Call it first thing in
// main and in TestMain of packages that spawn the sandbox.
func MaybeRunChild() {
	if os.Getenv(EnvChild) != childEnabled {
		return
	}
	os.Exit(RunChild(os.Stdin, os.Stdout))
}

// RunChild serves one verification request. The exit code is non-zero only
// when the response could not be written.
func RunChild(in io.Reader, out io.Writer) int {
	// Fixture output must not corrupt the protocol stream.
	if f, ok := out.(*os.File); ok && f == os.Stdout {
		os.Stdout = os.Stderr
	}
	if err := applyLimits(); err != nil {
		return writeResponse(out, fatalResponse("apply resource limits: "+err.Error(), ""))
	}
	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return writeResponse(out, fatalResponse("decode request: "+err.Error(), ""))
	}
	return writeResponse(out, runFixture(req))
}

func writeResponse(out io.Writer, resp Response) int {
	if resp.Results == nil {
		resp.Results = []ScenarioResult{}
	}
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: write response: %v\n", err)
		return 2
	}
	return 0
}

func fatalResponse(msg, traceback string) Response {
	return Response{OK: false, FatalError: &msg, Traceback: traceback}
}

func runFixture(req Request) (resp Response) {
	gopath, err := os.MkdirTemp("", "foreman-fixture-")
	if err != nil {
		return fatalResponse("create interpreter gopath: "+err.Error(), "")
	}
	defer os.RemoveAll(gopath)

	i := interp.New(interp.Options{
		GoPath: gopath,
		Env:    []string{},
		Stdin:  strings.NewReader(""),
		Stdout: os.Stderr,
		Stderr: os.Stderr,
	})
	if err := i.Use(fixtureSymbols()); err != nil {
		return fatalResponse("load symbols: "+err.Error(), "")
	}
	defer func() {
		if r := recover(); r != nil {
			resp = fatalResponse(fmt.Sprintf("fixture panicked: %v", r), string(debug.Stack()))
		}
	}()
	if _, err := i.EvalPath(req.FixturePath); err != nil {
		return fatalResponse("load fixture "+req.FixturePath+": "+err.Error(), tracebackOf(err))
	}

	shared, sharedErr := lookupFunc(i, "verify")
	resp = Response{OK: true, Results: make([]ScenarioResult, 0, len(req.Scenarios))}
	for _, sc := range req.Scenarios {
		fn, err := lookupFunc(i, "verify_"+sanitizeID(sc.ID))
		if err != nil {
			fn, err = shared, sharedErr
		}
		resp.Results = append(resp.Results, runScenario(fn, err, sc))
	}
	return resp
}

func tracebackOf(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		return string(p.Stack)
	}
	return ""
}

func lookupFunc(i *interp.Interpreter, name string) (reflect.Value, error) {
	v, err := i.Eval(name)
	if err != nil {
		return reflect.Value{}, err
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%s is not a function", name)
	}
	if v.Type().NumIn() > 1 {
		return reflect.Value{}, fmt.Errorf("%s must take at most one argument", name)
	}
	return v, nil
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func runScenario(fn reflect.Value, lookupErr error, sc RequestScenario) (res ScenarioResult) {
	res = ScenarioResult{ID: sc.ID, ExpectedOutput: sc.ExpectedOutput, Status: statusFail}
	fail := func(format string, args ...any) ScenarioResult {
		msg := fmt.Sprintf(format, args...)
		res.Status = statusFail
		res.Error = &msg
		return res
	}
	if lookupErr != nil {
		return fail("no verify function for scenario %s: %v", sc.ID, lookupErr)
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail("panic: %v", r)
		}
	}()
	args, err := callArgs(fn.Type(), sc.InputData)
	if err != nil {
		return fail("convert input: %v", err)
	}
	actual, callErr := splitResults(fn.Call(args))
	res.ActualOutput = normalizeJSON(actual)
	if callErr != nil {
		return fail("%v", callErr)
	}
	if !reflect.DeepEqual(res.ActualOutput, normalizeJSON(sc.ExpectedOutput)) {
		return fail("expected %s, got %s", compact(sc.ExpectedOutput), compact(res.ActualOutput))
	}
	res.Status = statusPass
	return res
}

func callArgs(t reflect.Type, input any) ([]reflect.Value, error) {
	if t.NumIn() == 0 {
		return nil, nil
	}
	pt := t.In(0)
	if input == nil {
		return []reflect.Value{reflect.Zero(pt)}, nil
	}
	if reflect.TypeOf(input).AssignableTo(pt) {
		return []reflect.Value{reflect.ValueOf(input)}, nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	p := reflect.New(pt)
	if err := json.Unmarshal(b, p.Interface()); err != nil {
		return nil, err
	}
	return []reflect.Value{p.Elem()}, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func splitResults(out []reflect.Value) (any, error) {
	var (
		val any
		err error
	)
	for idx, v := range out {
		if v.Type().Implements(errorType) && idx == len(out)-1 {
			if !v.IsNil() {
				err = v.Interface().(error)
			}
			continue
		}
		if idx == 0 {
			val = v.Interface()
		}
	}
	return val, err
}

// normalizeJSON maps v onto the types encoding/json decodes into, so values
// produced by the fixture compare equal to values read from the request.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
