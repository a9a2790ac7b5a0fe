// Package sandbox executes user scripts in an isolated Lua context with a
// restricted host surface and a hard wall-clock deadline.
//
// Every execution gets a freshly constructed interpreter state: only the
// base, table, string, and math libraries are opened, and the file/process
// escape hatches of the base library are removed. The only I/O reachable
// from a script is the api.* helper, which talks to the operator-configured
// base URL.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// Defaults for sandbox execution bounds.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultAPITimeout = 10 * time.Second
	DefaultUserAgent  = "backplane-script/" + types.Version
)

// ErrorKind classifies a failed execution.
type ErrorKind string

// Failure classes. None of them crash the host.
const (
	ErrorNone    ErrorKind = ""
	ErrorCompile ErrorKind = "compile"
	ErrorRuntime ErrorKind = "runtime"
	ErrorTimeout ErrorKind = "timeout"
)

// Result is the outcome of one script execution.
type Result struct {
	OK       bool
	Value    any
	Error    string
	Kind     ErrorKind
	Duration time.Duration
}

// Config tunes the sandbox.
type Config struct {
	// Timeout is the wall-clock deadline per execution (default 30s).
	Timeout time.Duration
	// APIBaseURL is the target of the api.* helper. Empty disables api.*.
	APIBaseURL string
	// APITimeout bounds each api.* request (default 10s).
	APITimeout time.Duration
	// UserAgent is sent with every api.* request.
	UserAgent string
}

// Sandbox executes scripts. Safe for concurrent use; each execution owns
// its interpreter state.
type Sandbox struct {
	cfg    Config
	logger *log.Logger
	api    *apiClient
}

// New creates a Sandbox.
func New(logger *log.Logger, cfg Config) *Sandbox {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	s := &Sandbox{cfg: cfg, logger: logger.Named("sandbox")}
	if cfg.APIBaseURL != "" {
		s.api = newAPIClient(cfg.APIBaseURL, cfg.APITimeout, cfg.UserAgent)
	}
	return s
}

// Execute runs the script code with the given payload and execution
// context values. The error return is always nil; failures are carried in
// the Result so callers treat script errors as data, not host errors.
func (s *Sandbox) Execute(ctx context.Context, scriptID, code string, payload, execContext types.Document) (*Result, error) {
	start := time.Now()

	L := s.newState()
	defer L.Close()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	L.SetContext(runCtx)

	L.SetGlobal("payload", toLua(L, map[string]any(payload)))
	L.SetGlobal("context", toLua(L, map[string]any(execContext)))

	// Compile first so syntax errors classify separately from runtime ones.
	fn, err := L.LoadString(code)
	if err != nil {
		res := &Result{
			OK:       false,
			Error:    err.Error(),
			Kind:     ErrorCompile,
			Duration: time.Since(start),
		}
		s.logResult(scriptID, res)
		return res, nil
	}

	L.Push(fn)
	err = L.PCall(0, 1, nil)
	duration := time.Since(start)

	if err != nil {
		res := &Result{OK: false, Duration: duration}
		if isDeadline(runCtx, err) {
			res.Kind = ErrorTimeout
			res.Error = "timeout"
		} else {
			res.Kind = ErrorRuntime
			res.Error = err.Error()
		}
		s.logResult(scriptID, res)
		return res, nil
	}

	var value any
	if ret := L.Get(-1); ret != lua.LNil {
		value = fromLua(ret)
	}
	L.Pop(1)

	res := &Result{OK: true, Value: value, Duration: duration}
	s.logResult(scriptID, res)
	return res, nil
}

// newState constructs a restricted interpreter state.
func (s *Sandbox) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}

	// Strip the base library's escape hatches.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage", "print"} {
		L.SetGlobal(name, lua.LNil)
	}

	host := &hostAPI{logger: s.logger, api: s.api}
	host.install(L)
	return L
}

// isDeadline reports whether a PCall failure was caused by the execution
// deadline rather than the script itself.
func isDeadline(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), context.DeadlineExceeded.Error())
}

func (s *Sandbox) logResult(scriptID string, res *Result) {
	if res.OK {
		s.logger.Debug("script executed",
			zap.String("script_id", scriptID),
			zap.Duration("duration", res.Duration))
		return
	}
	s.logger.Warn("script failed",
		zap.String("script_id", scriptID),
		zap.String("kind", string(res.Kind)),
		zap.String("error", res.Error),
		zap.Duration("duration", res.Duration))
}

// Describe returns a short human-readable summary of a result, used by the
// manual trigger endpoint.
func (r *Result) Describe() string {
	if r.OK {
		return fmt.Sprintf("ok in %s", r.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Error)
}
