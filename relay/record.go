// Package relay frames a turn as newline-delimited JSON records and
// reassembles those records on the receiving side.
//
// A stream carries zero or more {"story": fragment} records followed by
// exactly one {"image": url} record, after which the sender closes the
// stream. When a failure happens after the stream has started, the sender
// ends with a single {"error": message, "code": code, "stage": stage} record
// instead. Story fragments sent before a "text" stage error were never
// committed; before an "image" stage error they were.
package relay

import "fmt"

// ContentType is the media type of a record stream.
const ContentType = "application/x-ndjson"

// Record is one transmitted unit. Exactly one of Story, Image or Error is set.
type Record struct {
	Story *string `json:"story,omitempty"`
	Image *string `json:"image,omitempty"`
	Error *string `json:"error,omitempty"`
	Code  *string `json:"code,omitempty"`
	Stage *string `json:"stage,omitempty"`
}

func StoryRecord(fragment string) Record { return Record{Story: &fragment} }

func ImageRecord(url string) Record { return Record{Image: &url} }

func ErrorRecord(message, code, stage string) Record {
	rec := Record{Error: &message}
	if code != "" {
		rec.Code = &code
	}
	if stage != "" {
		rec.Stage = &stage
	}
	return rec
}

// Atomic is the single combined result sent when streaming is off.
func Atomic(story, image string) []Record {
	return []Record{StoryRecord(story), ImageRecord(image)}
}

func (r Record) kinds() int {
	n := 0
	for _, set := range []bool{r.Story != nil, r.Image != nil, r.Error != nil} {
		if set {
			n++
		}
	}
	return n
}

// StreamError is a failure reported by the sender inside the stream.
type StreamError struct {
	Message string
	Code    string
	// Stage is the capability that failed, "text" or "image", when the sender said.
	Stage string
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stream error (%s): %s", e.Code, e.Message)
	}
	return "stream error: " + e.Message
}
