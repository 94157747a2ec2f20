// Package sandbox executes agent-supplied JavaScript tool handlers in an
// embedded interpreter, isolated from the host process.
//
// Handlers are function expressions of shape `async (args, ctx) => any`,
// carried as opaque source text from deploy time until first invocation.
// Each Execute call runs in a fresh interpreter instance seeded from the
// same compiled sources, so globalThis mutations never survive a call. The
// only host capabilities visible inside are ctx.secrets (a fresh shallow
// copy per call) and ctx.fetch, an outbound HTTP client fulfilled by the
// host and wired to the call's cancel signal.
//
// Execute never returns a Go error: every failure mode is folded into the
// result string handed back to the model, mirroring what a tool would have
// printed.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const (
	// execTimeout is the hard wall-clock budget for one handler call.
	execTimeout = 30 * time.Second

	// memoryLimit is the per-call allocation ceiling.
	memoryLimit = 128 << 20

	// fetchBodyLimit caps how much of an HTTP response body is handed to
	// the interpreter.
	fetchBodyLimit = 10 << 20
)

// interrupt sentinels distinguish why a running handler was stopped.
const (
	interruptTimeout = "timeout"
	interruptMemory  = "memory"
)

// Tool pairs a tool name with its handler source text.
type Tool struct {
	// Name is the tool name the model calls.
	Name string

	// Source is a JavaScript function expression, typically
	// `async (args, ctx) => { ... }`.
	Source string
}

// Sandbox executes tool handlers. Safe for concurrent use; each Execute
// call gets its own interpreter instance.
type Sandbox struct {
	secrets    map[string]string
	httpClient *http.Client
	timeout    time.Duration
	memLimit   uint64

	mu       sync.Mutex
	sources  []Tool
	programs map[string]*compiled
	disposed bool
}

// compiled caches the result of compiling one handler source. A compile
// failure is cached too — it surfaces on every invocation of that tool.
type compiled struct {
	prog *goja.Program
	err  error
}

// Option is a functional option for Sandbox.
type Option func(*Sandbox)

// WithHTTPClient overrides the HTTP client backing ctx.fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sandbox) { s.httpClient = c }
}

// WithTimeout overrides the per-call wall-clock budget. Intended for tests.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.timeout = d }
}

// WithMemoryLimit overrides the per-call allocation ceiling. Intended for
// tests.
func WithMemoryLimit(n uint64) Option {
	return func(s *Sandbox) { s.memLimit = n }
}

// New builds a sandbox for the given tools and secrets. Handler sources are
// compiled lazily: a syntax error in one tool surfaces the first time that
// tool is invoked, not at construction.
func New(tools []Tool, secrets map[string]string, opts ...Option) *Sandbox {
	s := &Sandbox{
		secrets:    make(map[string]string, len(secrets)),
		httpClient: &http.Client{Timeout: execTimeout},
		timeout:    execTimeout,
		memLimit:   memoryLimit,
		programs:   make(map[string]*compiled, len(tools)),
	}
	for k, v := range secrets {
		s.secrets[k] = v
	}
	for _, t := range tools {
		// nil entry marks a known tool whose source is compiled on demand.
		s.programs[t.Name] = nil
		s.sources = append(s.sources, t)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Execute runs the named handler with args and returns the tool result
// string handed to the model:
//
//   - string results are returned as-is, everything else JSON-stringified
//   - handler exceptions become "Error: <message>"
//   - an unregistered name becomes `Unknown tool "<name>"`
//   - wall-clock breach becomes a string starting with "timed out"
//   - allocation breach becomes "Error: memory limit exceeded"
//
// ctx carries the cancel signal: cancelling it interrupts the interpreter
// and aborts any in-flight ctx.fetch request.
func (s *Sandbox) Execute(ctx context.Context, name string, args map[string]any) string {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "Error: sandbox is disposed"
	}
	c, known := s.programs[name]
	if known && c == nil {
		c = s.compileLocked(name)
	}
	s.mu.Unlock()

	if !known {
		return fmt.Sprintf("Unknown tool %q", name)
	}
	if c.err != nil {
		return fmt.Sprintf("Error: %v", c.err)
	}

	return s.run(ctx, c.prog, args)
}

// compileLocked compiles the source for name. Caller holds s.mu.
func (s *Sandbox) compileLocked(name string) *compiled {
	c := &compiled{}
	for _, t := range s.sources {
		if t.Name != name {
			continue
		}
		// Wrap so a bare function expression parses as an expression
		// statement instead of a declaration.
		c.prog, c.err = goja.Compile(name+".js", "("+t.Source+")", true)
		break
	}
	if c.prog == nil && c.err == nil {
		c.err = fmt.Errorf("no source for tool %q", name)
	}
	s.programs[name] = c
	return c
}

// run executes one compiled handler in a fresh interpreter.
func (s *Sandbox) run(ctx context.Context, prog *goja.Program, args map[string]any) (result string) {
	vm := goja.New()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first interrupt wins: a timeout's own cancel must not let the
	// ctx watcher overwrite the interrupt reason.
	var interruptOnce sync.Once
	interrupt := func(reason string) {
		interruptOnce.Do(func() {
			vm.Interrupt(reason)
			cancel()
		})
	}

	// Wall-clock budget.
	timer := time.AfterFunc(s.timeout, func() { interrupt(interruptTimeout) })
	defer timer.Stop()

	// Cancel signal from the caller.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-execCtx.Done():
			interrupt(execCtx.Err().Error())
		case <-watchDone:
		}
	}()

	// Allocation ceiling. The interpreter has no native limit, so a
	// watchdog samples heap growth during the call and interrupts on
	// breach.
	stopMemWatch := watchMemory(s.memLimit, func() { interrupt(interruptMemory) })
	defer stopMemWatch()

	defer func() {
		if r := recover(); r != nil {
			result = recoveredResult(r)
		}
	}()

	handlerVal, err := vm.RunProgram(prog)
	if err != nil {
		return errResult(err)
	}
	handler, ok := goja.AssertFunction(handlerVal)
	if !ok {
		return "Error: handler source is not a function"
	}

	ctxObj := vm.NewObject()
	secretsCopy := make(map[string]string, len(s.secrets))
	for k, v := range s.secrets {
		secretsCopy[k] = v
	}
	_ = ctxObj.Set("secrets", secretsCopy)
	_ = ctxObj.Set("fetch", s.fetchFunc(execCtx, vm))

	ret, err := handler(goja.Undefined(), vm.ToValue(args), ctxObj)
	if err != nil {
		return errResult(err)
	}

	// Async handlers return a promise. ctx.fetch is synchronous on the
	// host side, so by the time the call returns the job queue has
	// drained and the promise is settled.
	if p, ok := ret.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			ret = p.Result()
		case goja.PromiseStateRejected:
			return rejectionResult(p.Result())
		default:
			return "Error: handler promise did not settle"
		}
	}

	return coerceResult(ret)
}

// coerceResult renders a settled handler value as the tool result string.
func coerceResult(v goja.Value) string {
	if v == nil {
		return "null"
	}
	exported := v.Export()
	if str, ok := exported.(string); ok {
		return str
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return fmt.Sprintf("Error: unserializable result: %v", err)
	}
	return string(data)
}

// errResult maps an interpreter error (including interrupts) to the tool
// result string.
func errResult(err error) string {
	var intr *goja.InterruptedError
	if ok := asInterrupted(err, &intr); ok {
		return interruptResult(intr.Value())
	}
	var exc *goja.Exception
	if ok := asException(err, &exc); ok {
		return rejectionResult(exc.Value())
	}
	return fmt.Sprintf("Error: %v", err)
}

func asInterrupted(err error, target **goja.InterruptedError) bool {
	if ie, ok := err.(*goja.InterruptedError); ok {
		*target = ie
		return true
	}
	return false
}

func asException(err error, target **goja.Exception) bool {
	if ex, ok := err.(*goja.Exception); ok {
		*target = ex
		return true
	}
	return false
}

// recoveredResult maps a panic out of the interpreter to a result string.
func recoveredResult(r any) string {
	if ie, ok := r.(*goja.InterruptedError); ok {
		return interruptResult(ie.Value())
	}
	return fmt.Sprintf("Error: %v", r)
}

// interruptResult maps the interrupt sentinel to the contract strings.
func interruptResult(v any) string {
	switch v {
	case interruptTimeout:
		return "timed out waiting for tool handler"
	case interruptMemory:
		return "Error: memory limit exceeded"
	default:
		return fmt.Sprintf("Error: cancelled: %v", v)
	}
}

// rejectionResult renders a thrown value or promise rejection.
func rejectionResult(v goja.Value) string {
	if v == nil {
		return "Error: unknown"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return fmt.Sprintf("Error: %s", msg.String())
		}
	}
	return fmt.Sprintf("Error: %s", v.String())
}

// Dispose releases the sandbox. Idempotent; subsequent Execute calls fail
// with a result string rather than an error.
func (s *Sandbox) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.programs = map[string]*compiled{}
	s.sources = nil
}
