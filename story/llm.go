package story

import "context"

// TextCompleter turns the conversation log into the next assistant turn.
type TextCompleter interface {
	// Complete returns the whole completion at once.
	Complete(ctx context.Context, turns []Turn) (string, error)
	// Stream forwards each fragment to onFragment as it arrives and returns the
	// concatenated text once the capability signals the end. An error from
	// onFragment aborts the stream.
	Stream(ctx context.Context, turns []Turn, onFragment func(string) error) (string, error)
}

// ImageGenerator derives one illustration URL from finished text.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Gateway bundles both capabilities a turn needs.
type Gateway interface {
	TextCompleter
	ImageGenerator
}

// LLMSettings is the provider configuration handed to a concrete Gateway.
type LLMSettings struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	ImageModel string
	ImageSize  string
	MaxTokens  int64
	Stop       []string
}
