// Package spinning shows a spinning symbol while a long computation (collecting data, fitting) runs, and
// handles interruptions of the programs.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
	"k8s.io/klog/v2"
)

// Spinning display, stopped with Done.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

var (
	ThemeAscii = []rune("|/-\\")
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")
	ThemeClock = []rune("🕐🕑🕒🕓🕔🕕🕖🕗🕘🕙🕚🕛")

	// Theme defaults to ThemeClock, but it can be set to anything else.
	Theme = ThemeClock
)

// SafeInterrupt captures SigInt (Ctrl+C) and SigTerm and calls onInterrupt, usually the cancel function of
// the context of the program.
// If the program hasn't exited after gracePeriod, it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// New starts a spinning display after msg on stdout, running on a separate goroutine.
// It stops when Spinning.Done is called. If stdout is not a terminal, only msg is printed.
func New(ctx context.Context, msg string) *Spinning {
	return NewWithWriter(ctx, os.Stdout, msg, term.IsTerminal(int(os.Stdout.Fd())))
}

// NewWithWriter starts a spinning display on w. If animate is false, only msg is printed.
func NewWithWriter(ctx context.Context, w io.Writer, msg string, animate bool) *Spinning {
	s := &Spinning{}
	ctx, s.cancel = context.WithCancel(ctx)
	_, _ = fmt.Fprintf(w, "%s ", msg)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !animate {
			<-ctx.Done()
			_, _ = fmt.Fprintln(w)
			return
		}
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		// Hide the cursor while spinning.
		_, _ = fmt.Fprint(w, "\033[?25l")
		defer func() { _, _ = fmt.Fprint(w, "\033[?25h\n") }()

		_, _ = fmt.Fprint(w, "  ")
		for idx := 0; ; idx = (idx + 1) % len(Theme) {
			_, _ = fmt.Fprintf(w, "\b\b%c", Theme[idx])
			select {
			case <-ctx.Done():
				_, _ = fmt.Fprint(w, "\b\b")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the display and waits for it to finish.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
