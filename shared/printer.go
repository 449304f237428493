package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

// WriteCloser lifts an io.Writer into a StringWriteCloser. Close is a no-op
// unless the writer is also an io.Closer that is not a standard stream.
type WriteCloser struct {
	w      io.Writer
	closer io.Closer
}

func NewWriteCloser(w io.Writer) StringWriteCloser {
	if w == nil {
		return nil
	}
	wc := &WriteCloser{w: w}
	if c, ok := w.(io.Closer); ok {
		wc.closer = c
	}
	return wc
}

// NewNopCloser wraps w without ever closing it. Used for stdout.
func NewNopCloser(w io.Writer) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return io.WriteString(wc.w, s)
}

func (wc *WriteCloser) Close() error {
	if wc.closer == nil {
		return nil
	}
	return wc.closer.Close()
}

// Printer writes human-facing status lines to one or more hooks, indenting
// every line of a multi-line message.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
	last   string
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind, false)
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind, true)
}

// Status prints s on its own line unless it repeats the previous status.
func (p *Printer) Status(prefix, s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := prefix + s
	if line == p.last {
		return nil
	}
	p.last = line
	return p.write(line, 0, true)
}

func (p *Printer) write(s string, ind int, newline bool) error {
	indent := strings.Repeat(p.indStr, ind)
	var b strings.Builder
	first := true
	for line := range strings.SplitSeq(s, "\n") {
		if !first {
			b.WriteByte('\n')
		}
		first = false
		b.WriteString(indent)
		b.WriteString(line)
	}
	if newline {
		b.WriteByte('\n')
	}
	out := b.String()
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(out); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			errs = append(errs, fmt.Errorf("on closing hook: %w", err))
		}
	}
	return errors.Join(errs...)
}
