package runner

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/andresmejia3/detect/internal/result"
)

// NameSource provides the model's class id to name mapping.
type NameSource interface {
	Names() map[int]string
}

// Printer writes per-frame detection lines.
type Printer struct {
	out   io.Writer
	names NameSource
}

// NewPrinter creates a printer that resolves class names through names.
func NewPrinter(out io.Writer, names NameSource) *Printer {
	return &Printer{out: out, names: names}
}

// PrintFrame prints the header and one line per detection of frame i.
// It never fails: missing fields become placeholders, and if formatting the
// frame breaks entirely the raw collection is printed instead.
func (p *Printer) PrintFrame(i int, item result.Result) {
	fmt.Fprintf(p.out, "--- frame %d ---\n", i)

	boxes, ok := item.Boxes()
	if !ok {
		fmt.Fprintln(p.out, " no detections")
		return
	}
	n, ok := boxes.Count()
	if !ok || n <= 0 {
		fmt.Fprintln(p.out, " no detections")
		return
	}

	lines, err := p.formatDetections(boxes, n)
	if err != nil {
		fmt.Fprintln(p.out, boxes.Repr())
		return
	}
	p.out.Write(lines)
}

// formatDetections renders into a buffer so nothing partial reaches the output
// when a collaborator panics halfway through the frame.
func (p *Printer) formatDetections(boxes result.Boxes, n int) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("formatting detections: %v", r)
		}
	}()

	names := p.names.Names()
	var buf bytes.Buffer
	for _, d := range boxes.Detections(n) {
		fmt.Fprintf(&buf, " %d: class=%s id=%s conf=%s", d.Index, className(names, d), classID(d), confidence(d))
		if d.HasBox {
			fmt.Fprintf(&buf, " bbox=[%.1f, %.1f, %.1f, %.1f]", d.Box[0], d.Box[1], d.Box[2], d.Box[3])
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func className(names map[int]string, d result.Detection) string {
	if !d.HasClass {
		return "?"
	}
	if name, ok := names[d.ClassID]; ok {
		return name
	}
	return strconv.Itoa(d.ClassID)
}

func classID(d result.Detection) string {
	if !d.HasClass {
		return "?"
	}
	return strconv.Itoa(d.ClassID)
}

func confidence(d result.Detection) string {
	if !d.HasConf {
		return "?"
	}
	return fmt.Sprintf("%.3f", d.Conf)
}
