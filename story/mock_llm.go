package story

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// MockLLM is a local stand-in that never calls an external model. It answers with a short passage echoing the latest user turn, split into
// word-sized fragments when streaming.
type MockLLM struct {
	// ImageBaseURL prefixes the fake image reference.
	ImageBaseURL string
}

func (m MockLLM) Complete(_ context.Context, turns []Turn) (string, error) {
	return mockPassage(turns), nil
}

func (m MockLLM) Stream(ctx context.Context, turns []Turn, onFragment func(string) error) (string, error) {
	text := mockPassage(turns)
	for _, frag := range strings.SplitAfter(text, " ") {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := onFragment(frag); err != nil {
			return "", err
		}
	}
	return text, nil
}

func (m MockLLM) GenerateImage(_ context.Context, prompt string) (string, error) {
	base := m.ImageBaseURL
	if base == "" {
		base = "https://example.invalid/images/"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return fmt.Sprintf("%s%08x.png", base, h.Sum32()), nil
}

func mockPassage(turns []Turn) string {
	var last string
	chapter := 0
	for _, t := range turns {
		if t.Role == RoleUser {
			last = t.Content
			chapter++
		}
	}
	return fmt.Sprintf("Chapter %d. Once upon a time, in answer to %q, the tale went on.", chapter, last)
}
