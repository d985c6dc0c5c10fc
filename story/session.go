package story

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultImagePromptPrefix steers the image capability away from policy rejections.
const DefaultImagePromptPrefix = "Create a family-friendly image based on: "

// Options tune a Controller.
type Options struct {
	SystemPrompt      string
	ImagePromptPrefix string
	Logger            zerolog.Logger
}

// Result is the outcome of one turn.
type Result struct {
	ExchangeID string `json:"-"`
	Story      string `json:"story"`
	Image      string `json:"image"`
}

// Controller owns one conversation: it composes prompts, appends turns and
// drives the gateway. Only one turn may be in flight at a time; Continue, Undo
// and Reset return ErrBusy while another turn is running.
type Controller struct {
	mu       sync.Mutex
	log      *TurnLog
	images   map[string]string
	inflight atomic.Bool

	gateway     Gateway
	imagePrefix string
	logger      zerolog.Logger
}

func NewController(gateway Gateway, opts Options) (*Controller, error) {
	if gateway == nil {
		return nil, errors.New("generation gateway is required")
	}
	prefix := opts.ImagePromptPrefix
	if prefix == "" {
		prefix = DefaultImagePromptPrefix
	}
	return &Controller{
		log:         NewTurnLog(opts.SystemPrompt),
		images:      make(map[string]string),
		gateway:     gateway,
		imagePrefix: prefix,
		logger:      opts.Logger,
	}, nil
}

// Continue runs one turn. With a nil sink the text is generated atomically;
// otherwise every fragment is handed to sink as it arrives.
//
// The user turn is appended before text generation and the assistant turn
// before image generation. A text failure removes the user turn again. An
// image failure leaves the text committed and returns it alongside the error.
func (c *Controller) Continue(ctx context.Context, req PromptRequest, sink func(string) error) (Result, error) {
	prompt := SanitizePrompt(req.Prompt)
	if prompt == "" {
		return Result{}, invalidInputf("prompt is empty")
	}
	facets, err := req.Facets()
	if err != nil {
		return Result{}, err
	}
	if !c.inflight.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer c.inflight.Store(false)

	c.mu.Lock()
	styled := Compose(prompt, facets, c.log.IsFirstTurn())
	id, err := c.log.AppendUser(styled)
	msgs := c.log.Messages()
	c.mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	logger := c.logger.With().Str("exchange", id).Int("turns", len(msgs)).Logger()
	if tokens, err := CountTokens(msgs); err == nil {
		logger.Debug().Int("context_tokens", tokens).Msg("generating text")
	}

	start := time.Now()
	var text string
	if sink != nil {
		text, err = c.gateway.Stream(ctx, msgs, sink)
	} else {
		text, err = c.gateway.Complete(ctx, msgs)
	}
	if err != nil {
		c.mu.Lock()
		c.log.Discard(id)
		c.mu.Unlock()
		ge := AsGenerationError(StageText, err)
		logger.Error().Err(ge).Msg("text generation failed")
		return Result{}, ge
	}

	c.mu.Lock()
	err = c.log.AppendAssistant(id, text)
	c.mu.Unlock()
	if err != nil {
		return Result{}, err
	}
	logger.Info().Dur("took", time.Since(start)).Int("chars", len(text)).Msg("text committed")

	res := Result{ExchangeID: id, Story: text}
	start = time.Now()
	image, err := c.gateway.GenerateImage(ctx, c.imagePrefix+text)
	if err != nil {
		ge := AsGenerationError(StageImage, err)
		logger.Warn().Err(ge).Msg("image generation failed; text stays committed")
		return res, ge
	}
	res.Image = image
	c.mu.Lock()
	c.images[id] = image
	c.mu.Unlock()
	logger.Info().Dur("took", time.Since(start)).Msg("image ready")
	return res, nil
}

// Undo removes the latest exchange. It reports whether anything was removed.
func (c *Controller) Undo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight.Load() {
		return false, ErrBusy
	}
	exchanges := c.log.Exchanges()
	undone := c.log.UndoLastTurn()
	if undone {
		delete(c.images, exchanges[len(exchanges)-1].ID)
	}
	c.logger.Info().Bool("undone", undone).Int("turns", c.log.Len()).Msg("undo")
	return undone, nil
}

// Reset discards all context, leaving only the system turn.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight.Load() {
		return ErrBusy
	}
	c.log.Reset()
	c.images = make(map[string]string)
	c.logger.Info().Msg("conversation reset")
	return nil
}

// History returns a copy of the log's turns.
func (c *Controller) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Messages()
}

// Len returns the current log length.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Len()
}

// Story returns the assistant passages in order.
func (c *Controller) Story() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log.Story()
}

// Chapter is one answered exchange as shown to a reader.
type Chapter struct {
	Text  string
	Image string
}

// Chapters returns the answered exchanges with their illustrations, if any.
func (c *Controller) Chapters() []Chapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Chapter
	for _, ex := range c.log.Exchanges() {
		if ex.Pending() {
			continue
		}
		out = append(out, Chapter{Text: ex.Assistant.Content, Image: c.images[ex.ID]})
	}
	return out
}
