package review

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/treediff"
)

// Printer writes colored payload diffs. Secret values are masked.
type Printer struct {
	out io.Writer
	mu  sync.Mutex
}

// NewPrinter creates a Printer writing to out
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// PrintDiff shows the changes turning from into to for ref under a
// one line heading
func (p *Printer) PrintDiff(heading string, ref entity.Ref, from, to any) {
	from = entity.MaskSecrets(ref.Kind, from)
	to = entity.MaskSecrets(ref.Kind, to)
	diffs := treediff.Diff(from, to)

	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = color.New(color.Bold).Fprintf(p.out, "%s %s\n", heading, ref)
	for _, d := range diffs {
		switch d.Kind {
		case treediff.Create:
			_, _ = color.New(color.FgGreen).Fprintf(p.out, "  + %s: %s\n", d.Path, formatValue(d.Value, true, false))
		case treediff.Remove:
			_, _ = color.New(color.FgRed).Fprintf(p.out, "  - %s: %s\n", d.Path, formatValue(d.OldValue, true, false))
		case treediff.Change:
			_, _ = color.New(color.FgYellow).Fprintf(p.out, "  ~ %s: %s -> %s\n", d.Path,
				formatValue(d.OldValue, true, false), formatValue(d.Value, true, false))
		}
	}
	if len(diffs) == 0 {
		_, _ = fmt.Fprintln(p.out, "  (no field changes)")
	}
}
