// Package rvcworker runs voice conversion in a long-lived inference worker
// process. Requests and responses are msgpack frames over the worker's
// stdin and stdout; stderr is forwarded to the log.
//
// The worker is started as "<python> -u <script> --device <dev> [args...]".
// The bundled script (see Script) implements the worker side.
//
// Every request is a map {id, op, payload} and the worker answers each one,
// in order, with {id, ok, error, payload}. A reply with ok false carries the
// failure text in error. Field names of the payloads are the msgpack tags of
// the backend types.
//
//	op              payload               reply payload
//	inspect         {path}                backend.Checkpoint
//	load_network    backend.NetworkSpec   {handle}
//	load_extractor  backend.ExtractorSpec {handle}
//	release         {handle}              nil
//	infer           backend.InferRequest  backend.InferReply
//
// Infer samples are mono float32 at 16 kHz and the reply samples must be
// float32 too. Handles are opaque to the broker; it prefixes them with the
// process generation so a handle never outlives its worker.
package rvcworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ekisa-team/rvcbroker/internal/backend"
)

const (
	opInspect       = "inspect"
	opLoadNetwork   = "load_network"
	opLoadExtractor = "load_extractor"
	opRelease       = "release"
	opInfer         = "infer"

	stderrTailLines = 20
	closeGrace      = 2 * time.Second
)

var _ backend.Engine = (*Backend)(nil)

// Config describes how to launch the worker.
type Config struct {
	Python  string
	Script  string
	Args    []string
	Workdir string
}

// Backend implements backend.Engine on top of a worker process. The process
// is started on first use and restarted on the next call after it exits.
// Handles carry the generation of the process that issued them, so a handle
// from a previous process is rejected with backend.ErrWorkerExited.
type Backend struct {
	runner backend.CommandRunner
	cfg    Config

	mu     sync.Mutex
	proc   *process
	gen    uint64
	seq    uint64
	closed bool
}

// NewBackend creates a worker backend. The process is not started until the
// first call.
func NewBackend(cfg Config) *Backend {
	return NewBackendWithRunner(cfg, backend.ExecCommandRunner{Dir: cfg.Workdir})
}

// NewBackendWithRunner creates a worker backend with a custom runner.
func NewBackendWithRunner(cfg Config, runner backend.CommandRunner) *Backend {
	return &Backend{
		runner: runner,
		cfg:    cfg,
	}
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.BackendProvider {
	return backend.BackendProviderRVCWorker
}

// Inspect reads the metadata embedded in a weights artifact.
func (b *Backend) Inspect(ctx context.Context, weightsPath string) (*backend.Checkpoint, error) {
	var cp backend.Checkpoint
	if _, err := b.call(ctx, opInspect, map[string]string{"path": weightsPath}, &cp); err != nil {
		return nil, err
	}

	return &cp, nil
}

// LoadNetwork realises a synthesis network inside the worker.
func (b *Backend) LoadNetwork(ctx context.Context, spec *backend.NetworkSpec) (backend.Handle, error) {
	var out handleReply
	gen, err := b.call(ctx, opLoadNetwork, spec, &out)
	if err != nil {
		return "", err
	}

	return makeHandle(gen, out.Handle), nil
}

// LoadFeatureExtractor loads the shared feature extractor inside the worker.
func (b *Backend) LoadFeatureExtractor(ctx context.Context, spec *backend.ExtractorSpec) (backend.Handle, error) {
	var out handleReply
	gen, err := b.call(ctx, opLoadExtractor, spec, &out)
	if err != nil {
		return "", err
	}

	return makeHandle(gen, out.Handle), nil
}

// Release frees a network inside the worker. Handles from an exited process
// are ignored since their memory went with it.
func (b *Backend) Release(ctx context.Context, h backend.Handle) error {
	gen, id, err := parseHandle(h)
	if err != nil {
		return err
	}

	if !b.current(gen) {
		return nil
	}

	_, err = b.call(ctx, opRelease, handleReply{Handle: id}, nil)
	if errors.Is(err, backend.ErrWorkerExited) {
		return nil
	}

	return err
}

// Infer runs one conversion. There is no deadline; the call returns when the
// worker replies or exits.
func (b *Backend) Infer(ctx context.Context, req *backend.InferRequest) (*backend.InferResult, error) {
	netGen, netID, err := parseHandle(req.Network)
	if err != nil {
		return nil, err
	}

	extGen, extID, err := parseHandle(req.Extractor)
	if err != nil {
		return nil, err
	}

	if !b.current(netGen) || !b.current(extGen) {
		return nil, fmt.Errorf("%w: stale handle", backend.ErrWorkerExited)
	}

	wire := *req
	wire.Network = backend.Handle(netID)
	wire.Extractor = backend.Handle(extID)

	var reply backend.InferReply
	if _, err := b.call(ctx, opInfer, &wire, &reply); err != nil {
		return nil, err
	}

	return reply.Result(), nil
}

// Close stops the worker, giving it a short grace period to exit on EOF.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.proc != nil {
		b.proc.stop(closeGrace)
		b.proc = nil
	}

	return nil
}

// current reports whether gen is the generation of the live process.
func (b *Backend) current(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.proc != nil && b.proc.alive() && b.proc.gen == gen
}

// call sends one request and waits for its response. Calls are single-flight.
func (b *Backend) call(ctx context.Context, op string, payload, out any) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, backend.ErrClosed
	}

	if b.proc != nil && !b.proc.alive() {
		b.proc = nil
	}

	if b.proc == nil {
		proc, err := b.start(ctx)
		if err != nil {
			return 0, err
		}
		b.proc = proc
	}
	proc := b.proc

	b.seq++
	id := b.seq

	if err := proc.enc.Encode(&request{ID: id, Op: op, Payload: payload}); err != nil {
		proc.stop(0)
		return 0, proc.exitError(err)
	}

	var resp response
	select {
	case r, ok := <-proc.responses:
		if !ok {
			return 0, proc.exitError(nil)
		}
		resp = r
	case <-proc.exited:
		return 0, proc.exitError(nil)
	}

	if resp.ID != id {
		proc.stop(0)
		return 0, fmt.Errorf("%w: out of sync (got %d, expected %d)", backend.ErrWorkerExited, resp.ID, id)
	}

	if !resp.OK {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "unknown worker error"
		}
		return 0, &backend.RemoteError{Message: msg}
	}

	if out != nil {
		if err := msgpack.Unmarshal(resp.Payload, out); err != nil {
			return 0, fmt.Errorf("decode %s reply: %w", op, err)
		}
	}

	return proc.gen, nil
}

// start launches a new worker process.
func (b *Backend) start(ctx context.Context) (*process, error) {
	args := append([]string{"-u", b.cfg.Script}, b.cfg.Args...)

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stdinR, stdinW := io.Pipe()

	stdout, stderr, wait, err := b.runner.Start(procCtx, b.cfg.Python, args, stdinR)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start: %w", backend.ErrWorkerExited, err)
	}

	b.gen++
	p := &process{
		gen:       b.gen,
		stdinR:    stdinR,
		stdinW:    stdinW,
		enc:       msgpack.NewEncoder(stdinW),
		responses: make(chan response),
		exited:    make(chan struct{}),
		stopping:  make(chan struct{}),
		cancel:    cancel,
	}

	go p.drainStderr(stderr)
	go p.readLoop(stdout, wait)

	slog.Info("Inference worker started", "python", b.cfg.Python, "script", b.cfg.Script, "generation", p.gen)

	return p, nil
}

type request struct {
	ID      uint64 `msgpack:"id"`
	Op      string `msgpack:"op"`
	Payload any    `msgpack:"payload"`
}

type response struct {
	ID      uint64             `msgpack:"id"`
	OK      bool               `msgpack:"ok"`
	Error   string             `msgpack:"error"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

type handleReply struct {
	Handle string `msgpack:"handle"`
}

func makeHandle(gen uint64, id string) backend.Handle {
	return backend.Handle(strconv.FormatUint(gen, 10) + "/" + id)
}

func parseHandle(h backend.Handle) (uint64, string, error) {
	genStr, id, ok := strings.Cut(string(h), "/")
	if !ok {
		return 0, "", fmt.Errorf("invalid worker handle %q", h)
	}

	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid worker handle %q", h)
	}

	return gen, id, nil
}

// process is one running worker.
type process struct {
	gen       uint64
	stdinR    *io.PipeReader
	stdinW    *io.PipeWriter
	enc       *msgpack.Encoder
	responses chan response
	exited    chan struct{}
	stopping  chan struct{}
	stopOnce  sync.Once
	cancel    context.CancelFunc

	mu      sync.Mutex
	tail    []string
	waitErr error
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// readLoop decodes responses until stdout closes, then reaps the process.
func (p *process) readLoop(stdout io.Reader, wait func() error) {
	dec := msgpack.NewDecoder(bufio.NewReader(stdout))

read:
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			break
		}
		select {
		case p.responses <- resp:
		case <-p.stopping:
			break read
		}
	}

	// Unblock the stdin copier so wait can return.
	p.stdinR.CloseWithError(backend.ErrWorkerExited)

	err := wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()

	p.cancel()
	close(p.exited)

	slog.Warn("Inference worker exited", "generation", p.gen, "error", err)
}

func (p *process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("Worker stderr", "generation", p.gen, "line", line)

		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}

// exitError describes why the process is gone, including its last stderr
// lines.
func (p *process) exitError(cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	detail := strings.TrimSpace(strings.Join(p.tail, "\n"))
	switch {
	case detail != "":
	case cause != nil:
		detail = cause.Error()
	case p.waitErr != nil:
		detail = p.waitErr.Error()
	default:
		detail = "no output"
	}

	return fmt.Errorf("%w: %s", backend.ErrWorkerExited, detail)
}

// stop closes stdin and waits up to grace for the process to exit before
// killing it.
func (p *process) stop(grace time.Duration) {
	p.stopOnce.Do(func() { close(p.stopping) })
	p.stdinW.Close()

	if grace > 0 {
		select {
		case <-p.exited:
			return
		case <-time.After(grace):
		}
	}

	p.cancel()
}
