package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// lineTone picks the color of a detail line. The text itself stays the same
// either way, so piped output reads like terminal output.
type lineTone int

const (
	toneNeutral lineTone = iota
	toneGood
	toneCaution
	toneBad
)

const colorReset = "\x1b[0m"

var toneColors = map[lineTone]string{
	toneNeutral: "\x1b[34m",
	toneGood:    "\x1b[32m",
	toneCaution: "\x1b[33m",
	toneBad:     "\x1b[31m",
}

// statusPrinter writes aligned label/value detail lines, colorized when the
// destination is a terminal.
type statusPrinter struct {
	out      io.Writer
	colorize bool
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{out: out, colorize: writerIsTerminal(out)}
}

func (p *statusPrinter) line(label string, tone lineTone, message string) {
	text := fmt.Sprintf("  %-14s %s", label+":", message)
	if p.colorize {
		if color := toneColors[tone]; color != "" {
			text = color + text + colorReset
		}
	}
	fmt.Fprintln(p.out, text)
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
