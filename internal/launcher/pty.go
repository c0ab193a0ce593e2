package launcher

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"

	"containerforge/internal/errs"
)

// allocatePTY opens a fresh pseudo-terminal pair for env.TTY tasks:
// the master side stays with the parent for I/O and resize, the slave
// side becomes the master child's stdin/stdout/stderr and is inherited
// unchanged down every stage of the re-exec chain exactly the way a
// regular inherited fd is, generalizing the teacher's single
// pty.Start(cmd) (container.go's executeWithTTY) from one exec.Cmd to
// a multi-stage chain the pty itself is unaware of.
func allocatePTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, errs.Wrap(errs.Unknown, "allocatePTY", err)
	}
	return master, slave, nil
}

// Resize applies rows/cols to the task's pseudo-terminal. A no-op if
// the task wasn't started with TTY.
func (p *Process) Resize(rows, cols uint16) error {
	if p.ptyMaster == nil {
		return nil
	}
	if err := pty.Setsize(p.ptyMaster, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return errs.Wrap(errs.Unknown, "Process.Resize", err)
	}
	return nil
}

// Attach wires stdin/stdout to the task's pseudo-terminal for the
// duration of ctx: it puts stdin into raw mode when stdin is itself a
// terminal, copies bytes in both directions, and resizes the pty on
// SIGWINCH, returning a detach func that restores the terminal and
// stops the resize handling; the copy goroutines run until their own
// read or write fails. A no-op (returning an empty detach func) if the
// task wasn't started with TTY. Grounded on the teacher's
// executeWithTTY (container.go): raw-mode MakeRaw/Restore bracketing a
// bidirectional io.Copy pair, SIGWINCH-driven InheritSize.
func (p *Process) Attach(ctx context.Context, stdin io.Reader, stdout io.Writer) (detach func(), err error) {
	if p.ptyMaster == nil {
		return func() {}, nil
	}

	var restore func()
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		oldState, err := term.MakeRaw(int(f.Fd()))
		if err == nil {
			restore = func() { _ = term.Restore(int(f.Fd()), oldState) }
			if w, h, err := term.GetSize(int(f.Fd())); err == nil {
				_ = p.Resize(uint16(h), uint16(w))
			}
		}
	}
	if restore == nil {
		restore = func() {}
	}

	winch := make(chan os.Signal, 1)
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		signal.Notify(winch, syscall.SIGWINCH)
	}

	attachCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(p.ptyMaster, stdin)
		cancel()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stdout, p.ptyMaster)
		cancel()
	}()
	go func() {
		for {
			select {
			case <-attachCtx.Done():
				return
			case <-winch:
				if f, ok := stdin.(*os.File); ok {
					if w, h, err := term.GetSize(int(f.Fd())); err == nil {
						_ = p.Resize(uint16(h), uint16(w))
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		signal.Stop(winch)
		restore()
	}, nil
}
