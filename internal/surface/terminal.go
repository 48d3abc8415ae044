// Package surface renders the presented request on a terminal and reads
// the user's decision back from a line-oriented input.
package surface

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

	"github.com/fatih/color"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/queue"
	"github.com/mbd888/walletgate/internal/validation"
)

// Decider receives the user's commands. *queue.Controller implements it.
type Decider interface {
	Allow(ctx context.Context, id string) error
	Deny(ctx context.Context, id string) error
	Acknowledge(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]queue.View, error)
}

// Protection pauses and resumes protection from the surface.
type Protection interface {
	Pause(ctx context.Context, d time.Duration) error
	Resume(ctx context.Context) error
}

// MaxPause bounds the p command.
const MaxPause = 24 * time.Hour

var (
	titleColor = color.New(color.Bold)
	highColor  = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
	lowColor   = color.New(color.FgGreen)
	noteColor  = color.New(color.FgCyan)
	dimColor   = color.New(color.Faint)
)

// Terminal is a queue.Surface. At most one view is on screen.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	cur    *queue.View
	prot   Protection
	logger *slog.Logger
}

// NewTerminal writes to out.
func NewTerminal(out io.Writer, logger *slog.Logger) *Terminal {
	return &Terminal{out: out, logger: logging.Or(logger)}
}

// WithProtection enables the pause and resume commands.
func (t *Terminal) WithProtection(p Protection) *Terminal {
	t.prot = p
	return t
}

// Show replaces the presented view.
func (t *Terminal) Show(v queue.View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = &v
	t.render(v)
}

// Hide clears the presented view.
func (t *Terminal) Hide() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil {
		dimColor.Fprintf(t.out, "-- %s closed --\n", t.cur.ID)
	}
	t.cur = nil
}

// Current returns the presented view, if any.
func (t *Terminal) Current() (queue.View, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return queue.View{}, false
	}
	return *t.cur, true
}

func (t *Terminal) render(v queue.View) {
	w := t.out
	fmt.Fprintln(w)
	a := v.Analysis
	if a == nil {
		titleColor.Fprintf(w, "%s from %s\n", v.Call.Method, siteOf(v))
		return
	}

	levelColor(a.Level).Fprintf(w, "[%s %d/100] ", a.Level, a.Score)
	titleColor.Fprintln(w, a.Explanation.Title)
	fmt.Fprintln(w, a.Explanation.WhatItDoes)
	fmt.Fprintf(w, "site: %s (%s)\n", siteOf(v), strings.ToLower(string(a.Trust.Status)))
	if v.Merged {
		noteColor.Fprintln(w, "This continues the network switch requested by the same site.")
	}
	for _, r := range a.Explanation.Risks {
		warnColor.Fprintf(w, "  ! %s\n", r)
	}
	for _, n := range a.Explanation.SafeNotes {
		lowColor.Fprintf(w, "  + %s\n", n)
	}
	for _, s := range a.Explanation.NextSteps {
		fmt.Fprintf(w, "  > %s\n", s)
	}
	if a.Provisional {
		dimColor.Fprintln(w, "(preliminary, full checks still running)")
	}
	if v.Waiting > 0 {
		dimColor.Fprintf(w, "%d more waiting\n", v.Waiting)
	}
	fmt.Fprintln(w, prompt(v))
}

func prompt(v queue.View) string {
	switch v.Gate {
	case queue.GateBlocked:
		return "[d] dismiss"
	case queue.GateLocked:
		return "[k] I understand the risk   [d] reject"
	case queue.GateArmed:
		return fmt.Sprintf("wait %ds   [d] reject", int(v.Countdown.Seconds()+0.999))
	default:
		return "[a] allow   [d] reject"
	}
}

func siteOf(v queue.View) string {
	if v.Analysis != nil && v.Analysis.Trust.DisplayHost != "" {
		return v.Analysis.Trust.DisplayHost
	}
	if v.Call.Host == "" {
		return "(unknown site)"
	}
	return validation.SanitizeDisplay(v.Call.Host, 60)
}

func levelColor(l analysis.Level) *color.Color {
	switch l {
	case analysis.LevelHigh:
		return highColor
	case analysis.LevelWarn:
		return warnColor
	default:
		return lowColor
	}
}

// Run reads commands from in until it ends or ctx is done. Each command
// applies to the view on screen when it is read.
func (t *Terminal) Run(ctx context.Context, in io.Reader, d Decider) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.command(ctx, strings.TrimSpace(sc.Text()), d); errors.Is(err, queue.ErrStopped) {
			return err
		}
	}
	return sc.Err()
}

func (t *Terminal) command(ctx context.Context, line string, d Decider) error {
	cmd := strings.ToLower(line)
	if cmd == "" {
		return nil
	}
	if fields := strings.Fields(cmd); fields[0] == "p" || fields[0] == "pause" || fields[0] == "resume" {
		return t.protection(ctx, fields)
	}
	if cmd == "l" || cmd == "list" {
		views, err := d.Pending(ctx)
		if err != nil {
			return err
		}
		t.list(views)
		return nil
	}

	v, ok := t.Current()
	if !ok {
		dimColor.Fprintln(t.out, "nothing to decide")
		return nil
	}
	var err error
	switch cmd {
	case "a", "allow":
		err = d.Allow(ctx, v.ID)
	case "d", "deny", "r", "reject":
		err = d.Deny(ctx, v.ID)
	case "k", "ack":
		err = d.Acknowledge(ctx, v.ID)
	case "s", "show":
		t.mu.Lock()
		t.render(v)
		t.mu.Unlock()
	default:
		fmt.Fprintf(t.out, "unknown command %q (a, d, k, s, l, p <minutes>, resume)\n", line)
	}
	if err != nil {
		t.complain(err)
		t.logger.Debug("surface command refused", "command", cmd, "id", v.ID, "error", err)
	}
	return err
}

func (t *Terminal) protection(ctx context.Context, fields []string) error {
	if t.prot == nil {
		warnColor.Fprintln(t.out, "pausing is not available here")
		return nil
	}
	if fields[0] == "resume" {
		if err := t.prot.Resume(ctx); err != nil {
			t.complain(err)
			return err
		}
		noteColor.Fprintln(t.out, "protection resumed")
		return nil
	}
	if len(fields) != 2 {
		warnColor.Fprintln(t.out, "usage: p <minutes>")
		return nil
	}
	mins, err := strconv.Atoi(fields[1])
	d := time.Duration(mins) * time.Minute
	if err != nil || d <= 0 || d > MaxPause {
		warnColor.Fprintf(t.out, "pause takes 1 to %d minutes\n", int(MaxPause/time.Minute))
		return nil
	}
	if err := t.prot.Pause(ctx, d); err != nil {
		t.complain(err)
		return err
	}
	noteColor.Fprintf(t.out, "protection paused for %s, pending requests allowed\n", d)
	t.logger.Info("protection paused from the surface", "duration", d)
	return nil
}

func (t *Terminal) complain(err error) {
	msg := err.Error()
	switch {
	case errors.Is(err, queue.ErrProceedLocked):
		msg = "acknowledge the risk with [k] and wait for the countdown first"
	case errors.Is(err, queue.ErrHardBlocked):
		msg = "this request is blocked and can only be dismissed with [d]"
	case errors.Is(err, queue.ErrNotPresented):
		msg = "that request is no longer on screen"
	}
	warnColor.Fprintln(t.out, msg)
}

func (t *Terminal) list(views []queue.View) {
	if len(views) == 0 {
		dimColor.Fprintln(t.out, "queue empty")
		return
	}
	for i, v := range views {
		level := "?"
		if v.Analysis != nil {
			level = string(v.Analysis.Level)
		}
		fmt.Fprintf(t.out, "%d. %s %s %s [%s]\n", i+1, v.ID, v.Call.Method, siteOf(v), level)
	}
}
