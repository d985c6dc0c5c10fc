package story

import (
	"context"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultModel      = "gpt-3.5-turbo"
	DefaultImageModel = "dall-e-3"
	DefaultImageSize  = "1024x1024"
	DefaultMaxTokens  = 250
	// StopMarker keeps the model from running past a finished passage.
	StopMarker = "<<END>>"
)

var tracer = otel.Tracer("storyteller/story")

// OpenAILLM implements Gateway using the official openai-go SDK (chat completions and images).
type OpenAILLM struct {
	Model      string
	ImageModel string
	ImageSize  string
	MaxTokens  int64
	Stop       []string
	Opts       []option.RequestOption
}

func NewOpenAILLMFromConfig(cfg *LLMSettings) (*OpenAILLM, error) {
	if cfg == nil {
		return nil, errors.New("llm config is nil")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing; set OPENAI_API_KEY or llm.api_key")
	}
	o := &OpenAILLM{
		Model:      cfg.Model,
		ImageModel: cfg.ImageModel,
		ImageSize:  cfg.ImageSize,
		MaxTokens:  cfg.MaxTokens,
		Stop:       cfg.Stop,
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.ImageModel == "" {
		o.ImageModel = DefaultImageModel
	}
	if o.ImageSize == "" {
		o.ImageSize = DefaultImageSize
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if len(o.Stop) == 0 {
		o.Stop = []string{StopMarker}
	}
	o.Opts = []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		o.Opts = append(o.Opts, option.WithBaseURL(cfg.BaseURL))
	}
	return o, nil
}

func (o *OpenAILLM) Complete(ctx context.Context, turns []Turn) (string, error) {
	ctx, span := tracer.Start(ctx, "openai.chat.complete", o.chatAttributes(turns))
	defer span.End()

	client := openai.NewClient(o.Opts...)
	resp, err := client.Chat.Completions.New(ctx, o.chatParams(turns))
	if err != nil {
		return "", o.fail(span, StageText, err)
	}
	if len(resp.Choices) == 0 {
		return "", o.fail(span, StageText, errors.New("openai: empty choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAILLM) Stream(ctx context.Context, turns []Turn, onFragment func(string) error) (string, error) {
	ctx, span := tracer.Start(ctx, "openai.chat.stream", o.chatAttributes(turns))
	defer span.End()

	client := openai.NewClient(o.Opts...)
	stream := client.Chat.Completions.NewStreaming(ctx, o.chatParams(turns))
	defer stream.Close()

	var sb strings.Builder
	fragments := 0
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		sb.WriteString(content)
		fragments++
		if err := onFragment(content); err != nil {
			return sb.String(), o.fail(span, StageText, errors.Wrap(err, "forward fragment"))
		}
	}
	if err := stream.Err(); err != nil {
		return sb.String(), o.fail(span, StageText, err)
	}
	span.SetAttributes(attribute.Int("story.fragments", fragments))
	return sb.String(), nil
}

func (o *OpenAILLM) GenerateImage(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "openai.images.generate", trace.WithAttributes(
		attribute.String("openai.model", o.ImageModel),
		attribute.String("openai.size", o.ImageSize),
	))
	defer span.End()

	client := openai.NewClient(o.Opts...)
	resp, err := client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(o.ImageModel),
		Size:   openai.ImageGenerateParamsSize(o.ImageSize),
	})
	if err != nil {
		return "", o.fail(span, StageImage, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", o.fail(span, StageImage, errors.New("openai: no image returned"))
	}
	return resp.Data[0].URL, nil
}

func (o *OpenAILLM) chatParams(turns []Turn) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.Model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(o.MaxTokens),
	}
	if len(o.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: o.Stop}
	}
	return params
}

func (o *OpenAILLM) chatAttributes(turns []Turn) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("openai.model", o.Model),
		attribute.Int("story.turns", len(turns)),
	)
}

// fail records err on the span and classifies it with the API's error code when present.
func (o *OpenAILLM) fail(span trace.Span, stage Stage, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	ge := &GenerationError{Stage: stage, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		ge.Code = apiErr.Code
	}
	return ge
}
