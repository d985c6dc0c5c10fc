package relay

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Writer emits one JSON object per line and flushes after each record when
// the destination supports it.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	records int
}

func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

func (w *Writer) WriteStory(fragment string) error { return w.Write(StoryRecord(fragment)) }

func (w *Writer) WriteImage(url string) error { return w.Write(ImageRecord(url)) }

func (w *Writer) WriteError(message, code, stage string) error {
	return w.Write(ErrorRecord(message, code, stage))
}

// Write encodes rec followed by a single newline.
func (w *Writer) Write(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	b = append(b, '\n')
	if _, err := w.w.Write(b); err != nil {
		return errors.Wrap(err, "write record")
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	w.records++
	return nil
}

// Records returns how many records were written.
func (w *Writer) Records() int { return w.records }
