package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"

	"interactive_story_generator/story"
)

const readChunk = 4096

// Reader splits a byte source into records. It keeps whatever follows the
// last newline until the next read completes the line, so records may be cut
// anywhere by the transport.
type Reader struct {
	src   io.Reader
	buf   []byte
	chunk []byte
	eof   bool
}

func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, chunk: make([]byte, readChunk)}
}

// Next returns the next record, or io.EOF once the source is exhausted with
// no partial line left over.
func (r *Reader) Next() (Record, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			line := bytes.TrimSpace(r.buf[:i])
			r.buf = r.buf[i+1:]
			if len(line) == 0 {
				continue
			}
			return parseRecord(line)
		}
		if r.eof {
			if len(bytes.TrimSpace(r.buf)) > 0 {
				return Record{}, errors.Wrapf(story.ErrInternalState, "stream ended mid-record: %q", r.buf)
			}
			return Record{}, io.EOF
		}
		n, err := r.src.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:n]...)
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			return Record{}, errors.Wrap(err, "read stream")
		}
	}
}

func parseRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, errors.Wrapf(story.ErrInternalState, "malformed record %q: %v", line, err)
	}
	if rec.kinds() != 1 {
		return Record{}, errors.Wrapf(story.ErrInternalState, "record %q must carry exactly one of story, image or error", line)
	}
	return rec, nil
}

// State is the reassembled view of a turn so far.
type State struct {
	Story string
	Image string
	Done  bool
}

// Assembler accumulates records into a State, calling OnUpdate after every
// record that changes it.
type Assembler struct {
	OnUpdate func(State)

	story strings.Builder
	image string
	done  bool
}

// Apply folds one record into the state. An error record ends the turn and is
// returned as a *StreamError; anything after the image record is rejected.
func (a *Assembler) Apply(rec Record) error {
	if a.done {
		return errors.Wrap(story.ErrInternalState, "record after terminal image record")
	}
	switch {
	case rec.Story != nil:
		a.story.WriteString(*rec.Story)
	case rec.Image != nil:
		a.image = *rec.Image
		a.done = true
	case rec.Error != nil:
		se := &StreamError{Message: *rec.Error}
		if rec.Code != nil {
			se.Code = *rec.Code
		}
		if rec.Stage != nil {
			se.Stage = *rec.Stage
		}
		return se
	}
	if a.OnUpdate != nil {
		a.OnUpdate(a.State())
	}
	return nil
}

func (a *Assembler) State() State {
	return State{Story: a.story.String(), Image: a.image, Done: a.done}
}

// Reassemble drains src, reporting incremental state to onUpdate. The returned
// state holds whatever story arrived even when an error is returned.
func Reassemble(src io.Reader, onUpdate func(State)) (State, error) {
	a := &Assembler{OnUpdate: onUpdate}
	r := NewReader(src)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return a.State(), err
		}
		if err := a.Apply(rec); err != nil {
			return a.State(), err
		}
	}
	st := a.State()
	if !st.Done {
		return st, errors.Wrap(story.ErrInternalState, "stream closed without an image record")
	}
	return st, nil
}

// DecodeAtomic reads the combined [{story},{image}] result.
func DecodeAtomic(src io.Reader) (State, error) {
	var recs []Record
	if err := json.NewDecoder(src).Decode(&recs); err != nil {
		return State{}, errors.Wrapf(story.ErrInternalState, "malformed atomic result: %v", err)
	}
	a := &Assembler{}
	for _, rec := range recs {
		if rec.kinds() != 1 {
			return State{}, errors.Wrap(story.ErrInternalState, "atomic result entry must carry exactly one field")
		}
		if err := a.Apply(rec); err != nil {
			return a.State(), err
		}
	}
	st := a.State()
	if !st.Done {
		return st, errors.Wrap(story.ErrInternalState, "atomic result without image")
	}
	return st, nil
}
