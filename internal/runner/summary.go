package runner

import (
	"fmt"
	"io"

	"github.com/andresmejia3/detect/internal/result"
)

// DefaultSaveDir is where the library writes when it does not report a directory.
const DefaultSaveDir = "runs/detect/"

// Summary accumulates the source and detection counts of a run.
type Summary struct {
	Sources    int
	Detections int
	Requested  bool // --save or --save-txt was given
	SaveDir    string

	// incomplete marks a batch the library could not enumerate
	incomplete bool
}

// Add counts one item. Items whose detections cannot be counted still count
// as a source.
func (s *Summary) Add(item result.Result) {
	s.Sources++
	if boxes, ok := item.Boxes(); ok {
		if n, ok := boxes.Count(); ok {
			s.Detections += n
		}
	}
}

// AddBatch counts every item of a one-shot batch.
func (s *Summary) AddBatch(b *result.Batch) {
	if b == nil || !b.Complete {
		s.incomplete = true
		return
	}
	for _, item := range b.Items {
		s.Add(item)
	}
	s.SaveDir = b.SaveDir
}

// Report prints the summary, or a generic completion line if the results could
// not be summarized.
func (s *Summary) Report(w io.Writer) {
	if s.incomplete {
		fmt.Fprintln(w, "Inference completed. See Ultralytics output above for details.")
		return
	}
	fmt.Fprintf(w, "Inference completed on %d source(s). Approx detections: %d.\n", s.Sources, s.Detections)
	if s.Requested {
		dir := s.SaveDir
		if dir == "" {
			dir = DefaultSaveDir
		}
		fmt.Fprintf(w, "Saved outputs to %s.\n", dir)
	}
}
