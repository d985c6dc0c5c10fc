package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"interactive_story_generator/config"
	"interactive_story_generator/relay"
	"interactive_story_generator/story"
	"interactive_story_generator/transcript"
)

// SessionCookie carries the session id between requests.
const SessionCookie = "story_session"

// SessionHeader echoes the session id for clients that do not keep cookies.
const SessionHeader = "X-Session-ID"

const maxBodyBytes = 64 << 10

// summaryChars bounds the story summary returned by /history.
const summaryChars = 120

type Server struct {
	store  *sessionStore
	mode   string
	sweep  time.Duration
	logger zerolog.Logger
}

// New builds a Server whose sessions are created by factory.
func New(factory ControllerFactory, cfg config.Config) (*Server, error) {
	if factory == nil {
		return nil, errors.New("controller factory required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.Logger.With().Str("component", "server").Logger()
	return &Server{
		store:  newStore(factory, cfg.Sessions.IdleTimeout.Duration, cfg.Sessions.MaxSessions, logger),
		mode:   cfg.Mode,
		sweep:  cfg.Sessions.SweepInterval.Duration,
		logger: logger,
	}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/story", s.handleStory)
	mux.HandleFunc("/undo", s.handleUndo)
	mux.HandleFunc("/new", s.handleNew)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/transcript", s.handleTranscript)
	return logMiddleware(s.logger, mux)
}

// RunSweeper expires idle sessions until ctx is cancelled.
func (s *Server) RunSweeper(ctx context.Context) error {
	return s.store.run(ctx, s.sweep)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Stage string `json:"stage,omitempty"`
	Story string `json:"story,omitempty"`
}

type undoResp struct {
	Undone bool `json:"undone"`
	Turns  int  `json:"turns"`
}

type historyResp struct {
	SessionID     string       `json:"session_id"`
	Turns         []story.Turn `json:"turns"`
	ContextTokens int          `json:"context_tokens,omitempty"`
	Summary       string       `json:"summary,omitempty"`
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req story.PromptRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResp{Error: "Request body must be JSON."})
		return
	}
	if story.SanitizePrompt(req.Prompt) == "" {
		writeJSONStatus(w, http.StatusBadRequest, errorResp{Error: "Prompt is empty."})
		return
	}
	if _, err := req.Facets(); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}

	id, ctrl, ok := s.session(w, r)
	if !ok {
		return
	}
	// a client that goes away does not take its turn back with it
	ctx := context.WithoutCancel(r.Context())
	logger := s.logger.With().Str("session", id).Logger()

	if s.wantsAtomic(r) {
		res, err := ctrl.Continue(ctx, req, nil)
		if err != nil {
			s.writeStoryError(w, logger, err, res.Story)
			return
		}
		writeJSON(w, relay.Atomic(res.Story, res.Image))
		return
	}

	rw := relay.NewWriter(w)
	started := false
	var writeErr error
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", relay.ContentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}
	sink := func(fragment string) error {
		begin()
		if writeErr != nil {
			return nil
		}
		if err := rw.WriteStory(fragment); err != nil {
			writeErr = err
			logger.Warn().Err(err).Msg("client stopped reading; finishing turn anyway")
		}
		return nil
	}

	res, err := ctrl.Continue(ctx, req, sink)
	if err != nil {
		if !started {
			s.writeStoryError(w, logger, err, res.Story)
			return
		}
		msg, code, stage := describe(err)
		logger.Error().Err(err).Str("stage", stage).Msg("turn failed after streaming began")
		_ = rw.WriteError(msg, code, stage)
		return
	}
	begin()
	if writeErr == nil {
		_ = rw.WriteImage(res.Image)
	}
	logger.Debug().Int("records", rw.Records()).Msg("turn streamed")
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, ctrl, ok := s.session(w, r)
	if !ok {
		return
	}
	undone, err := ctrl.Undo()
	if err != nil {
		s.writeControlError(w, err, "Error occurred undoing story.")
		return
	}
	writeJSON(w, undoResp{Undone: undone, Turns: ctrl.Len()})
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, ctrl, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := ctrl.Reset(); err != nil {
		s.writeControlError(w, err, "Error occurred resetting story.")
		return
	}
	writeJSON(w, undoResp{Turns: ctrl.Len()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ctrl, ok := s.session(w, r)
	if !ok {
		return
	}
	turns := ctrl.History()
	resp := historyResp{
		SessionID: id,
		Turns:     turns,
		Summary:   transcript.Digest(strings.Join(ctrl.Story(), " "), summaryChars),
	}
	if n, err := story.CountTokens(turns); err == nil {
		resp.ContextTokens = n
	} else {
		s.logger.Warn().Err(err).Msg("token estimate unavailable")
	}
	writeJSON(w, resp)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, ctrl, ok := s.session(w, r)
	if !ok {
		return
	}
	md := transcript.Markdown(r.URL.Query().Get("title"), ctrl.Chapters())
	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
		return
	}
	html, err := transcript.HTML(md)
	if err != nil {
		s.logger.Error().Err(err).Msg("render transcript")
		writeJSONStatus(w, http.StatusInternalServerError, errorResp{Error: "Error occurred rendering story."})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// --- Helpers ---

// session resolves the caller's session from its cookie, creating one when
// needed, and refreshes the cookie.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (string, *story.Controller, bool) {
	var id string
	if c, err := r.Cookie(SessionCookie); err == nil {
		id = c.Value
	} else if h := r.Header.Get(SessionHeader); h != "" {
		id = h
	}
	id, ctrl, err := s.store.getOrCreate(id)
	if err != nil {
		s.logger.Error().Err(err).Msg("create session")
		writeJSONStatus(w, http.StatusInternalServerError, errorResp{Error: "Error occurred creating session."})
		return "", nil, false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(SessionHeader, id)
	return id, ctrl, true
}

func (s *Server) wantsAtomic(r *http.Request) bool {
	switch r.URL.Query().Get("mode") {
	case config.ModeAtomic:
		return true
	case config.ModeStream:
		return false
	}
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, relay.ContentType) {
		return false
	}
	if strings.Contains(accept, "application/json") {
		return true
	}
	return s.mode == config.ModeAtomic
}

func (s *Server) writeStoryError(w http.ResponseWriter, logger zerolog.Logger, err error, partial string) {
	switch {
	case errors.Is(err, story.ErrInvalidInput):
		writeJSONStatus(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, story.ErrBusy):
		writeJSONStatus(w, http.StatusConflict, errorResp{Error: "A story turn is already in progress."})
	default:
		logger.Error().Err(err).Msg("error in POST /story")
		msg, code, stage := describe(err)
		if stage != string(story.StageImage) {
			partial = ""
		}
		writeJSONStatus(w, http.StatusInternalServerError, errorResp{Error: msg, Code: code, Stage: stage, Story: partial})
	}
}

func (s *Server) writeControlError(w http.ResponseWriter, err error, generic string) {
	if errors.Is(err, story.ErrBusy) {
		writeJSONStatus(w, http.StatusConflict, errorResp{Error: "A story turn is already in progress."})
		return
	}
	s.logger.Error().Err(err).Msg(generic)
	writeJSONStatus(w, http.StatusInternalServerError, errorResp{Error: generic})
}

// describe turns a failure into a client-facing message, code and failed
// stage, preferring the capability's own classification over the generic text.
func describe(err error) (msg, code, stage string) {
	var ge *story.GenerationError
	if !errors.As(err, &ge) {
		return "Error occurred creating story.", "", ""
	}
	stage = string(ge.Stage)
	switch {
	case ge.ContentPolicy() && ge.Stage == story.StageImage:
		return "The illustration was rejected by the content policy; the story text was kept.", ge.Code, stage
	case ge.ContentPolicy():
		return "The prompt was rejected by the content policy.", ge.Code, stage
	case ge.Code != "":
		return "Error occurred creating story: " + ge.Code + ".", ge.Code, stage
	}
	return "Error occurred creating story.", "", stage
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func logMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if path == "" {
			path = "/"
		}
		logger.Info().
			Str("method", r.Method).
			Str("path", path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
