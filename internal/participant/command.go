package participant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// PromptMode controls how the prompt reaches the external process.
type PromptMode string

const (
	PromptStdin PromptMode = "stdin"
	PromptArg   PromptMode = "arg"
)

// Default limits for captured output.
const (
	DefaultMaxOutputBytes = 4 << 20
	maxStderrBytes        = 64 << 10
	chunkBuffer           = 64
	waitDelay             = 2 * time.Second
)

// defaultLimitPatterns match provider quota messages on stderr or stdout.
var defaultLimitPatterns = []string{
	`(?i)rate[ _-]?limit`,
	`(?i)usage limit`,
	`(?i)quota exceeded`,
	`(?i)too many requests`,
	`\b429\b`,
}

// CommandConfig describes how to launch one provider's CLI.
type CommandConfig struct {
	// Command is the executable followed by fixed arguments. Arguments may
	// contain {alias}, {role} and {phase} placeholders.
	Command []string

	PromptMode     PromptMode
	Env            map[string]string
	LimitPatterns  []string
	MaxOutputBytes int
}

// CommandAdapter runs a participant as a local process.
type CommandAdapter struct {
	cfg      CommandConfig
	limitRes []*regexp.Regexp
}

// NewCommandAdapter validates cfg and compiles its limit patterns.
func NewCommandAdapter(cfg CommandConfig) (*CommandAdapter, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("command is required")
	}
	if cfg.PromptMode == "" {
		cfg.PromptMode = PromptStdin
	}
	if cfg.PromptMode != PromptStdin && cfg.PromptMode != PromptArg {
		return nil, fmt.Errorf("unsupported prompt mode %q", cfg.PromptMode)
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	patterns := cfg.LimitPatterns
	if len(patterns) == 0 {
		patterns = defaultLimitPatterns
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile limit pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return &CommandAdapter{cfg: cfg, limitRes: res}, nil
}

// Invoke starts the process, streams stdout as chunks and classifies the
// outcome. The process is killed when req.Timeout elapses.
func (a *CommandAdapter) Invoke(ctx context.Context, req Request) Result {
	start := time.Now()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := a.expandArgs(req)
	cmd := exec.CommandContext(ctx, a.cfg.Command[0], args...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = waitDelay
	if len(a.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range a.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if a.cfg.PromptMode == PromptStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	var stderr limitedBuffer
	stderr.max = maxStderrBytes
	cmd.Stderr = &stderr

	pump := newChunkPump(ctx, req.OnChunk)
	stdout := &lineWriter{max: a.cfg.MaxOutputBytes, pump: pump}
	cmd.Stdout = stdout

	if err := cmd.Start(); err != nil {
		pump.close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return a.finish(start, Failed(ReasonCommandNotFound, err.Error()))
		}
		return a.finish(start, Failed(ReasonOther, err.Error()))
	}

	waitErr := cmd.Wait()
	ctxErr := ctx.Err()
	output := stdout.flush()
	pump.close()

	if errors.Is(ctxErr, context.DeadlineExceeded) {
		res := Failed(ReasonCommandTimeout, fmt.Sprintf("timed out after %s", req.Timeout))
		res.Output = output
		return a.finish(start, res)
	}
	if ctxErr != nil {
		res := Failed(ReasonOther, ctxErr.Error())
		res.Output = output
		return a.finish(start, res)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		detail := strings.TrimSpace(stderr.String())
		if a.isProviderLimit(detail) || a.isProviderLimit(output) {
			res := Failed(ReasonProviderLimit, detail)
			res.Output = output
			return a.finish(start, res)
		}
		if errors.As(waitErr, &exitErr) {
			res := Failed(ReasonNonzeroExit, detail)
			res.ExitCode = exitErr.ExitCode()
			res.Output = output
			return a.finish(start, res)
		}
		return a.finish(start, Failed(ReasonOther, waitErr.Error()))
	}
	return a.finish(start, Succeeded(output))
}

func (a *CommandAdapter) finish(start time.Time, r Result) Result {
	r.Duration = time.Since(start)
	return r
}

func (a *CommandAdapter) expandArgs(req Request) []string {
	repl := strings.NewReplacer(
		"{alias}", req.Participant.Alias,
		"{role}", string(req.Role),
		"{phase}", req.Phase,
	)
	args := make([]string, 0, len(a.cfg.Command))
	for _, arg := range a.cfg.Command[1:] {
		args = append(args, repl.Replace(arg))
	}
	if a.cfg.PromptMode == PromptArg {
		args = append(args, req.Prompt)
	}
	return args
}

func (a *CommandAdapter) isProviderLimit(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range a.limitRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// chunkPump delivers chunks to a callback on its own goroutine so that a slow
// consumer cannot hold the process pipe open past the invocation deadline.
type chunkPump struct {
	ctx  context.Context
	ch   chan Chunk
	done chan struct{}
	seq  int
}

func newChunkPump(ctx context.Context, fn func(Chunk)) *chunkPump {
	if fn == nil {
		return nil
	}
	p := &chunkPump{
		ctx:  ctx,
		ch:   make(chan Chunk, chunkBuffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for c := range p.ch {
			fn(c)
		}
	}()
	return p
}

func (p *chunkPump) send(stream, text string) {
	if p == nil {
		return
	}
	p.seq++
	select {
	case p.ch <- Chunk{Seq: p.seq, Stream: stream, Text: text}:
	case <-p.ctx.Done():
	}
}

func (p *chunkPump) close() {
	if p == nil {
		return
	}
	close(p.ch)
	select {
	case <-p.done:
	case <-p.ctx.Done():
	}
}

// lineWriter captures stdout up to max bytes and forwards complete lines to
// the chunk pump.
type lineWriter struct {
	mu      sync.Mutex
	out     strings.Builder
	partial []byte
	max     int
	pump    *chunkPump
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.out.Len(); room > 0 {
		if len(p) > room {
			w.out.Write(p[:room])
		} else {
			w.out.Write(p)
		}
	}
	if w.pump == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.pump.send("stdout", string(w.partial[:i+1]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// flush forwards any trailing partial line and returns the captured output.
func (w *lineWriter) flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.pump.send("stdout", string(w.partial))
		w.partial = nil
	}
	return w.out.String()
}

// limitedBuffer keeps at most max bytes and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
