// Package client talks to the story server and mirrors what a reader sees,
// keeping enough history to undo a turn without asking the server for it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"interactive_story_generator/relay"
	"interactive_story_generator/story"
)

// State is the session's request state as observed by the client.
type State int

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	if s == AwaitingResponse {
		return "awaiting-response"
	}
	return "idle"
}

var (
	// ErrNothingToRegenerate is returned by Regenerate before any turn was requested.
	ErrNothingToRegenerate = errors.New("no previous request to regenerate")
	// ErrBusy is returned when an action starts while a request is outstanding.
	ErrBusy = story.ErrBusy
)

// View is what is currently on display.
type View struct {
	Story   string
	Image   string
	Request *story.PromptRequest
}

// ServerError is a failure reported by the server, either as an HTTP error
// or as an error record at the end of a stream. Stage names the capability
// that failed. Story holds the narrative text received before the failure;
// the server only kept it when Stage is "image".
type ServerError struct {
	Status  int
	Message string
	Code    string
	Stage   string
	Story   string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return "server error " + e.Code + ": " + e.Message
	}
	return "server error: " + e.Message
}

// TextKept reports whether the server committed the turn's text even though
// the turn failed.
func (e *ServerError) TextKept() bool {
	return e.Stage == string(story.StageImage) && e.Story != ""
}

// IsImageRejected reports whether err is an illustration refused on content
// policy grounds while the text was still produced.
func IsImageRejected(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == story.CodeContentPolicy && se.TextKept()
}

// Session drives one story against a server. Methods are safe to call from
// multiple goroutines but only one request may be outstanding at a time.
type Session struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu          sync.Mutex
	state       State
	view        View
	lastRequest *story.PromptRequest
	stack       HistoryStack
}

// New returns a Session for baseURL. A nil httpClient gets one with a cookie
// jar so the server's session cookie is kept.
func New(baseURL string, httpClient *http.Client, logger zerolog.Logger) (*Session, error) {
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, errors.Wrap(err, "cookie jar")
		}
		httpClient = &http.Client{Jar: jar}
	}
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}, nil
}

// View returns what is on display.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanUndo reports whether a snapshot is available.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack.Len() > 0
}

// LastRequest returns the request Regenerate would resubmit.
func (s *Session) LastRequest() *story.PromptRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == AwaitingResponse {
		return ErrBusy
	}
	s.state = AwaitingResponse
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
}

// Continue requests the next turn. The displayed state is snapshotted before
// the first update replaces it, unless nothing was on display yet. onUpdate
// sees every incremental change.
func (s *Session) Continue(ctx context.Context, req story.PromptRequest, onUpdate func(View)) (View, error) {
	if err := s.begin(); err != nil {
		return View{}, err
	}
	defer s.end()

	return s.runTurn(ctx, req, false, onUpdate)
}

// Regenerate drops the latest turn on the server and requests it again with
// the remembered request. Generation is not deterministic, so the new turn
// generally differs from the one it replaces.
func (s *Session) Regenerate(ctx context.Context, onUpdate func(View)) (View, error) {
	if err := s.begin(); err != nil {
		return View{}, err
	}
	defer s.end()

	s.mu.Lock()
	last := s.lastRequest
	s.mu.Unlock()
	if last == nil {
		return View{}, ErrNothingToRegenerate
	}
	if err := s.postControl(ctx, "/undo"); err != nil {
		return View{}, err
	}
	return s.runTurn(ctx, *last, true, onUpdate)
}

// Undo restores the most recent snapshot once the server has dropped its
// latest turn. With nothing to undo it does nothing.
func (s *Session) Undo(ctx context.Context) (View, error) {
	if err := s.begin(); err != nil {
		return View{}, err
	}
	defer s.end()

	if !s.CanUndo() {
		return s.View(), nil
	}
	if err := s.postControl(ctx, "/undo"); err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, _ := s.stack.Pop()
	s.view = View{Story: snap.Story, Image: snap.Image, Request: snap.Request}
	s.lastRequest = snap.Request
	return s.view, nil
}

// Reset starts a new story. Local state is only cleared after the server
// acknowledged the reset, so a failure leaves the view of an intact log.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	if err := s.postControl(ctx, "/new"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = View{}
	s.lastRequest = nil
	s.stack.Clear()
	return nil
}

// runTurn posts req and folds the response into the view. A new turn
// snapshots the displayed state before the first update replaces it, unless
// nothing complete was on display. A regenerated turn replaces one the server
// has already dropped, so it pushes nothing.
//
// When the server did not keep the turn's text, the view goes back to what
// matches the server's log: the pre-turn view for a new turn, or the snapshot
// under the dropped turn for a regenerated one.
func (s *Session) runTurn(ctx context.Context, req story.PromptRequest, regenerate bool, onUpdate func(View)) (View, error) {
	s.mu.Lock()
	before := s.view
	prev := Snapshot{Story: s.view.Story, Image: s.view.Image, Request: s.lastRequest}
	lastBefore := s.lastRequest
	s.mu.Unlock()

	changed, pushed := false, false
	apply := func(st relay.State) {
		s.mu.Lock()
		if !changed {
			changed = true
			if !regenerate && prev.Story != "" && prev.Image != "" {
				s.stack.Push(prev)
				pushed = true
			}
		}
		s.view.Story = st.Story
		s.view.Image = st.Image
		s.view.Request = &req
		v := s.view
		s.mu.Unlock()
		if onUpdate != nil {
			onUpdate(v)
		}
	}

	st, err := s.postStory(ctx, req, apply)
	if err != nil {
		s.logger.Warn().Err(err).Msg("turn failed")
		var se *ServerError
		if errors.As(err, &se) && se.TextKept() {
			apply(relay.State{Story: se.Story})
			s.mu.Lock()
			s.lastRequest = &req
			s.mu.Unlock()
			return s.View(), err
		}

		s.mu.Lock()
		if regenerate {
			snap, _ := s.stack.Pop()
			s.view = View{Story: snap.Story, Image: snap.Image, Request: snap.Request}
			s.lastRequest = snap.Request
		} else {
			if pushed {
				s.stack.Pop()
			}
			s.view = before
			s.lastRequest = lastBefore
		}
		v := s.view
		s.mu.Unlock()
		if (changed || regenerate) && onUpdate != nil {
			onUpdate(v)
		}
		return v, err
	}
	apply(st)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRequest = &req
	return s.view, nil
}

func (s *Session) postStory(ctx context.Context, req story.PromptRequest, apply func(relay.State)) (relay.State, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return relay.State{}, errors.Wrap(err, "encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/story", bytes.NewReader(body))
	if err != nil {
		return relay.State{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", relay.ContentType)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return relay.State{}, errors.Wrap(err, "post story")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return relay.State{}, readServerError(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var st relay.State
	if mediaType == relay.ContentType {
		st, err = relay.Reassemble(resp.Body, apply)
	} else {
		st, err = relay.DecodeAtomic(resp.Body)
	}
	var streamErr *relay.StreamError
	if errors.As(err, &streamErr) {
		return st, &ServerError{
			Status:  resp.StatusCode,
			Message: streamErr.Message,
			Code:    streamErr.Code,
			Stage:   streamErr.Stage,
			Story:   st.Story,
		}
	}
	return st, err
}

func (s *Session) postControl(ctx context.Context, path string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "post %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readServerError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func readServerError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
		Stage string `json:"stage"`
		Story string `json:"story"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	se := &ServerError{Status: resp.StatusCode, Message: body.Error, Code: body.Code, Stage: body.Stage, Story: body.Story}
	if resp.StatusCode == http.StatusConflict {
		return errors.Wrap(ErrBusy, se.Error())
	}
	return se
}
