// Package cliout prints the simulator's startup banner and the final run
// statistics block (spec §6.1), styled when standard output is a terminal.
package cliout

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// Printer writes styled status output to w, disabling styling automatically
// when w is not backed by a terminal.
type Printer struct {
	w      io.Writer
	styled bool
}

// New returns a Printer for w. If w is *os.File and refers to a terminal,
// output is styled; otherwise escape codes are omitted so redirected output
// stays clean.
func New(w io.Writer) *Printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &Printer{w: w, styled: styled}
}

func (p *Printer) style(code, s string) string {
	if !p.styled {
		return s
	}
	return code + s + ansi.ResetStyle
}

// Banner prints the startup line naming the ELF image being run.
func (p *Printer) Banner(elfPath string) {
	fmt.Fprintf(p.w, "%s %s\n", p.style(ansi.SGR(ansi.AttrBold), "rvsim"), elfPath)
}

// Stats is the run summary handed to StatsBlock.
type Stats struct {
	InstrCount uint64
	Elapsed    time.Duration
	ExitCode   int
}

// StatsBlock prints the post-run summary: simulated instruction count,
// elapsed wall time, simulated MIPS, and the guest exit code (spec §6.1).
func (p *Printer) StatsBlock(s Stats) {
	mips := 0.0
	if secs := s.Elapsed.Seconds(); secs > 0 {
		mips = float64(s.InstrCount) / secs / 1e6
	}
	fmt.Fprintln(p.w, p.style(ansi.SGR(ansi.AttrFaint), "----------------------------------------"))
	fmt.Fprintf(p.w, "instructions : %d\n", s.InstrCount)
	fmt.Fprintf(p.w, "elapsed      : %s\n", s.Elapsed)
	fmt.Fprintf(p.w, "mips         : %.3f\n", mips)
	fmt.Fprintf(p.w, "exit code    : %d\n", s.ExitCode)
}
