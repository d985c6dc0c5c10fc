package story

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose_FirstTurnWithToneAndGenre(t *testing.T) {
	got := Compose("a lonely lighthouse", Facets{Tone: ToneDark, Genre: GenreMystery}, true)

	assert.Equal(t, `Give the beginning of a dark mystery story about "a lonely lighthouse". Write under 200 words in complete sentences.`, got)
	assert.Contains(t, got, "dark")
	assert.Contains(t, got, "mystery")
	assert.Contains(t, got, `"a lonely lighthouse"`)
	assert.NotContains(t, got, "theme")
	assert.True(t, strings.HasSuffix(got, LengthDirective))
}

func TestCompose_FirstTurnDefaults(t *testing.T) {
	got := Compose("a dragon", Facets{}, true)
	assert.Equal(t, `Give the beginning of an entertaining story about "a dragon". Write under 200 words in complete sentences.`, got)
}

func TestCompose_FirstTurnWithTheme(t *testing.T) {
	got := Compose("a dragon in the mountains", Facets{Tone: ToneEpic, Genre: GenreFantasy, Theme: ThemeFreedom}, true)
	assert.Equal(t, `Give the beginning of an epic fantasy story about "a dragon in the mountains" with a theme of freedom. Write under 200 words in complete sentences.`, got)
}

func TestCompose_Continuation(t *testing.T) {
	got := Compose("  the keeper finds a letter ", Facets{Tone: ToneDark, Theme: ThemeLoss}, false)
	assert.Contains(t, got, `"the keeper finds a letter"`)
	assert.True(t, strings.HasPrefix(got, "Continue the story"))
	assert.True(t, strings.HasSuffix(got, LengthDirective))
	assert.NotContains(t, got, "dark", "facets only shape the opening")
}

func TestSanitizePrompt(t *testing.T) {
	assert.Equal(t, "hello world", SanitizePrompt("  <b>hello</b> world  "))
	assert.Equal(t, "", SanitizePrompt(" <br/> "))
	assert.Equal(t, "", SanitizePrompt("\t\n"))
}

func TestPromptRequest_Facets(t *testing.T) {
	f, err := PromptRequest{Prompt: "x", Tone: "Dark", Genre: " mystery "}.Facets()
	require.NoError(t, err)
	assert.Equal(t, Facets{Tone: ToneDark, Genre: GenreMystery}, f)

	_, err = PromptRequest{Prompt: "x", Theme: "taxes"}.Facets()
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPromptRequest_FacetsAcceptWebFormValues(t *testing.T) {
	for _, g := range []string{"fantasy", "sci-fi", "mystery", "romance", "horror"} {
		_, err := PromptRequest{Prompt: "x", Genre: g}.Facets()
		assert.NoError(t, err, "genre %s", g)
	}
	for _, tone := range []string{"lighthearted", "serious", "dark", "humorous"} {
		_, err := PromptRequest{Prompt: "x", Tone: tone}.Facets()
		assert.NoError(t, err, "tone %s", tone)
	}
	for _, th := range []string{"friendship", "adventure", "revenge", "coming-of-age", "survival"} {
		_, err := PromptRequest{Prompt: "x", Theme: th}.Facets()
		assert.NoError(t, err, "theme %s", th)
	}

	f, err := PromptRequest{Prompt: "x", Tone: "Serious", Genre: "Sci-Fi", Theme: "coming-of-age"}.Facets()
	require.NoError(t, err)
	assert.Equal(t, Facets{Tone: ToneSerious, Genre: GenreSciFi, Theme: ThemeComingOfAge}, f)
	assert.Equal(t, `Give the beginning of a serious sci-fi story about "a heist". Write under 200 words in complete sentences.`,
		Compose("a heist", Facets{Tone: ToneSerious, Genre: GenreSciFi}, true))
}
