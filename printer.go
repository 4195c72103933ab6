package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
)

// Printer reports copy progress. Notify is called once per chunk with the
// chunk start and the overall limit, End once after the last chunk.
type Printer interface {
	Notify(lowest, highest int64)
	End()
}

// PercentagePrinter rewrites a single status line.
type PercentagePrinter struct {
	w         io.Writer
	maxLength int
}

func NewPercentagePrinter(w io.Writer) *PercentagePrinter {
	return &PercentagePrinter{w: w}
}

func (p *PercentagePrinter) Notify(lowest, highest int64) {
	if highest == 0 {
		return
	}
	pct := float64(lowest) / float64(highest) * 100
	p.write(fmt.Sprintf("%.2f%% (%s/%s) complete", pct, humanize.Comma(lowest), humanize.Comma(highest)))
}

func (p *PercentagePrinter) End() {
	p.write("100% complete")
	fmt.Fprintln(p.w)
}

func (p *PercentagePrinter) write(msg string) {
	if len(msg) > p.maxLength {
		p.maxLength = len(msg)
	}
	fmt.Fprint(p.w, "\r"+msg+strings.Repeat(" ", p.maxLength-len(msg)))
}

// DotPrinter prints one dot per chunk.
type DotPrinter struct {
	w io.Writer
}

func NewDotPrinter(w io.Writer) *DotPrinter {
	return &DotPrinter{w: w}
}

func (p *DotPrinter) Notify(int64, int64) { fmt.Fprint(p.w, ".") }

func (p *DotPrinter) End() { fmt.Fprintln(p.w) }

type nopPrinter struct{}

func (nopPrinter) Notify(int64, int64) {}

func (nopPrinter) End() {}

// newPrinter maps a printer name from the config to an implementation.
func newPrinter(name string, w io.Writer) (Printer, error) {
	switch name {
	case "", "percentage":
		return NewPercentagePrinter(w), nil
	case "dot":
		return NewDotPrinter(w), nil
	case "quiet":
		return nopPrinter{}, nil
	default:
		return nil, errors.Errorf("unknown printer %q (want percentage, dot or quiet)", name)
	}
}
