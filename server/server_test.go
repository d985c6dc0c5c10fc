package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interactive_story_generator/config"
	"interactive_story_generator/relay"
	"interactive_story_generator/story"
)

// scriptedGateway wraps MockLLM with optional failures and a gate that holds
// text generation until released. When streaming, partial is sent before
// textErr is returned.
type scriptedGateway struct {
	story.MockLLM
	textErr  error
	partial  string
	imageErr error
	gate     chan struct{}
	entered  chan struct{}
}

func (g *scriptedGateway) wait() {
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.gate != nil {
		<-g.gate
	}
}

func (g *scriptedGateway) Complete(ctx context.Context, turns []story.Turn) (string, error) {
	g.wait()
	if g.textErr != nil {
		return "", g.textErr
	}
	return g.MockLLM.Complete(ctx, turns)
}

func (g *scriptedGateway) Stream(ctx context.Context, turns []story.Turn, onFragment func(string) error) (string, error) {
	g.wait()
	if g.textErr != nil {
		if g.partial != "" {
			if err := onFragment(g.partial); err != nil {
				return "", err
			}
		}
		return "", g.textErr
	}
	return g.MockLLM.Stream(ctx, turns, onFragment)
}

func (g *scriptedGateway) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if g.imageErr != nil {
		return "", g.imageErr
	}
	return g.MockLLM.GenerateImage(ctx, prompt)
}

func newTestServer(t *testing.T, gw story.Gateway) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	srv, err := New(func(string) (*story.Controller, error) {
		return story.NewController(gw, story.Options{Logger: zerolog.Nop()})
	}, cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func post(t *testing.T, c *http.Client, url string, body any, accept string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, url, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func historyLen(t *testing.T, c *http.Client, base string) int {
	t.Helper()
	resp, err := c.Get(base + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h historyResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	return len(h.Turns)
}

func decodeError(t *testing.T, resp *http.Response) errorResp {
	t.Helper()
	var e errorResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	return e
}

func TestStory_EmptyPromptIs400(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	c := newClient(t)

	resp := post(t, c, ts.URL+"/story", map[string]string{"prompt": "  "}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, decodeError(t, resp).Error)
	assert.Equal(t, 1, historyLen(t, c, ts.URL))
}

func TestStory_UnknownFacetIs400(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	resp := post(t, newClient(t), ts.URL+"/story", map[string]string{"prompt": "x", "tone": "sarcastic"}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp).Error, "tone")
}

func TestStory_BadJSONIs400(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	resp, err := http.Post(ts.URL+"/story", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStory_AtomicMode(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	c := newClient(t)

	resp := post(t, c, ts.URL+"/story", story.PromptRequest{
		Prompt: "A dragon in the mountains", Tone: "epic", Genre: "fantasy", Theme: "freedom",
	}, "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 2)
	assert.NotEmpty(t, body[0]["story"])
	assert.NotEmpty(t, body[1]["image"])
	assert.Equal(t, 3, historyLen(t, c, ts.URL))
}

func TestStory_StreamingMode(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	c := newClient(t)

	resp := post(t, c, ts.URL+"/story", story.PromptRequest{Prompt: "a lonely lighthouse"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, relay.ContentType, resp.Header.Get("Content-Type"))

	var updates int
	st, err := relay.Reassemble(resp.Body, func(relay.State) { updates++ })
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.Story, "Chapter 1."))
	assert.NotEmpty(t, st.Image)
	assert.Greater(t, updates, 2)

	hresp, err := c.Get(ts.URL + "/history")
	require.NoError(t, err)
	defer hresp.Body.Close()
	var h historyResp
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&h))
	require.Len(t, h.Turns, 3)
	assert.Equal(t, st.Story, h.Turns[2].Content)
	assert.Greater(t, h.ContextTokens, 0)
}

func TestStory_ModeQueryOverridesAccept(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	resp := post(t, newClient(t), ts.URL+"/story?mode=stream", story.PromptRequest{Prompt: "x"}, "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, relay.ContentType, resp.Header.Get("Content-Type"))
}

func TestUndoAndNew(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	c := newClient(t)

	for i := 0; i < 2; i++ {
		resp := post(t, c, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "x"}, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	require.Equal(t, 5, historyLen(t, c, ts.URL))

	resp := post(t, c, ts.URL+"/undo", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var u undoResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.True(t, u.Undone)
	assert.Equal(t, 3, u.Turns)

	resp = post(t, c, ts.URL+"/new", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, historyLen(t, c, ts.URL))

	resp = post(t, c, ts.URL+"/undo", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, "nothing to undo is still a success")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.False(t, u.Undone)
}

func TestHistory_Summary(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	c := newClient(t)
	getHistory := func() historyResp {
		resp, err := c.Get(ts.URL + "/history")
		require.NoError(t, err)
		defer resp.Body.Close()
		var h historyResp
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		return h
	}

	assert.Empty(t, getHistory().Summary)

	for i := 0; i < 3; i++ {
		post(t, c, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "a lonely lighthouse"}, "")
	}
	h := getHistory()
	assert.True(t, strings.HasPrefix(h.Summary, "Chapter 1. Once upon a time"), h.Summary)
	assert.LessOrEqual(t, len([]rune(h.Summary)), summaryChars)
}

func TestContinueUndoContinue(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	c := newClient(t)
	req := story.PromptRequest{Prompt: "a lonely lighthouse"}

	post(t, c, ts.URL+"/story?mode=atomic", req, "")
	single := historyLen(t, c, ts.URL)
	post(t, c, ts.URL+"/undo", nil, "")
	post(t, c, ts.URL+"/story?mode=atomic", req, "")
	assert.Equal(t, single, historyLen(t, c, ts.URL))
}

func TestSessionsAreIsolated(t *testing.T) {
	srv, ts := newTestServer(t, story.MockLLM{})
	alice, bob := newClient(t), newClient(t)

	post(t, alice, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "x"}, "")
	post(t, alice, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "y"}, "")
	post(t, bob, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "z"}, "")

	assert.Equal(t, 5, historyLen(t, alice, ts.URL))
	assert.Equal(t, 3, historyLen(t, bob, ts.URL))
	assert.Equal(t, 2, srv.store.count())
}

func TestSessionHeaderWithoutCookies(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	resp := post(t, http.DefaultClient, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "x"}, "")
	id := resp.Header.Get(SessionHeader)
	require.NotEmpty(t, id)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/history", nil)
	require.NoError(t, err)
	req.Header.Set(SessionHeader, id)
	hresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer hresp.Body.Close()
	var h historyResp
	require.NoError(t, json.NewDecoder(hresp.Body).Decode(&h))
	assert.Equal(t, id, h.SessionID)
	assert.Len(t, h.Turns, 3)
}

func TestStory_TextFailureIs500(t *testing.T) {
	_, ts := newTestServer(t, &scriptedGateway{textErr: errors.New("upstream down")})
	c := newClient(t)

	for _, mode := range []string{"atomic", "stream"} {
		resp := post(t, c, ts.URL+"/story?mode="+mode, story.PromptRequest{Prompt: "x"}, "")
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode, mode)
		assert.Equal(t, "Error occurred creating story.", decodeError(t, resp).Error)
	}
	assert.Equal(t, 1, historyLen(t, c, ts.URL))
}

func TestStory_ImagePolicyFailureAtomic(t *testing.T) {
	gw := &scriptedGateway{imageErr: &story.GenerationError{Code: story.CodeContentPolicy, Err: errors.New("blocked")}}
	_, ts := newTestServer(t, gw)
	c := newClient(t)

	resp := post(t, c, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "x"}, "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, story.CodeContentPolicy, e.Code)
	assert.Equal(t, "image", e.Stage)
	assert.NotEmpty(t, e.Story)
	assert.Equal(t, 3, historyLen(t, c, ts.URL), "text stays committed")
}

func TestStory_ImageFailureAfterStreamStarted(t *testing.T) {
	gw := &scriptedGateway{imageErr: &story.GenerationError{Code: story.CodeContentPolicy, Err: errors.New("blocked")}}
	_, ts := newTestServer(t, gw)
	c := newClient(t)

	resp := post(t, c, ts.URL+"/story", story.PromptRequest{Prompt: "x"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st, err := relay.Reassemble(resp.Body, nil)
	var se *relay.StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, story.CodeContentPolicy, se.Code)
	assert.Equal(t, "image", se.Stage)
	assert.NotEmpty(t, st.Story)
	assert.Equal(t, 3, historyLen(t, c, ts.URL))
}

func TestStory_TextFailureAfterStreamStarted(t *testing.T) {
	gw := &scriptedGateway{
		partial: "Half a ",
		textErr: &story.GenerationError{Code: story.CodeContentPolicy, Err: errors.New("blocked")},
	}
	_, ts := newTestServer(t, gw)
	c := newClient(t)

	resp := post(t, c, ts.URL+"/story", story.PromptRequest{Prompt: "x"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st, err := relay.Reassemble(resp.Body, nil)
	var se *relay.StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "text", se.Stage)
	assert.Equal(t, story.CodeContentPolicy, se.Code)
	assert.Equal(t, "Half a ", st.Story)
	assert.Equal(t, 1, historyLen(t, c, ts.URL), "failed text is not committed")
}

func TestStory_TextFailureAtomicCarriesNoStory(t *testing.T) {
	_, ts := newTestServer(t, &scriptedGateway{textErr: &story.GenerationError{Code: "server_error", Err: errors.New("boom")}})
	c := newClient(t)

	resp := post(t, c, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "x"}, "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	e := decodeError(t, resp)
	assert.Equal(t, "text", e.Stage)
	assert.Empty(t, e.Story)
}

func TestStory_ConcurrentTurnIs409(t *testing.T) {
	gw := &scriptedGateway{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	_, ts := newTestServer(t, gw)
	c := newClient(t)
	// establish the session first so both requests share it
	require.Equal(t, 1, historyLen(t, c, ts.URL))

	done := make(chan int, 1)
	go func() {
		resp := post(t, c, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "first"}, "")
		done <- resp.StatusCode
	}()
	select {
	case <-gw.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the gateway")
	}

	resp := post(t, c, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "second"}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = post(t, c, ts.URL+"/undo", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(gw.gate)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, 3, historyLen(t, c, ts.URL))
}

func TestTranscript(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	c := newClient(t)
	post(t, c, ts.URL+"/story?mode=atomic", story.PromptRequest{Prompt: "x"}, "")

	resp, err := c.Get(ts.URL + "/transcript?title=Lighthouse")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "<h1>Lighthouse</h1>")
	assert.Contains(t, string(body), "<img src=")

	resp2, err := c.Get(ts.URL + "/transcript?format=md")
	require.NoError(t, err)
	defer resp2.Body.Close()
	md, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(md), "# Untitled story"))
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, story.MockLLM{})
	resp, err := http.Get(ts.URL + "/story")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
