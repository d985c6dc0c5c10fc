package story

import "strings"

// Role tags a turn in the conversation log.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemPrompt seeds every new log.
const SystemPrompt = "You are an imaginative storyteller. You always remember everything that came before " +
	"and never apologize or mention missing context; just continue the story seamlessly."

// Tone is the mood facet.
type Tone string

const (
	ToneLighthearted Tone = "lighthearted"
	ToneSerious      Tone = "serious"
	ToneDark         Tone = "dark"
	ToneHumorous     Tone = "humorous"
	ToneEpic         Tone = "epic"
	ToneWhimsical    Tone = "whimsical"
	ToneSuspenseful  Tone = "suspenseful"
	ToneMelancholic  Tone = "melancholic"
)

// Genre is the story-kind facet.
type Genre string

const (
	GenreFantasy        Genre = "fantasy"
	GenreSciFi          Genre = "sci-fi"
	GenreMystery        Genre = "mystery"
	GenreRomance        Genre = "romance"
	GenreHorror         Genre = "horror"
	GenreScienceFiction Genre = "science fiction"
	GenreAdventure      Genre = "adventure"
	GenreFairyTale      Genre = "fairy tale"
)

// Theme is the optional subject-matter facet.
type Theme string

const (
	ThemeFriendship  Theme = "friendship"
	ThemeAdventure   Theme = "adventure"
	ThemeRevenge     Theme = "revenge"
	ThemeComingOfAge Theme = "coming-of-age"
	ThemeSurvival    Theme = "survival"
	ThemeFreedom     Theme = "freedom"
	ThemeRedemption  Theme = "redemption"
	ThemeBetrayal    Theme = "betrayal"
	ThemeCourage     Theme = "courage"
	ThemeLoss        Theme = "loss"
	ThemeDiscovery   Theme = "discovery"
)

var (
	tones = []Tone{
		ToneLighthearted, ToneSerious, ToneDark, ToneHumorous,
		ToneEpic, ToneWhimsical, ToneSuspenseful, ToneMelancholic,
	}
	genres = []Genre{
		GenreFantasy, GenreSciFi, GenreMystery, GenreRomance, GenreHorror,
		GenreScienceFiction, GenreAdventure, GenreFairyTale,
	}
	themes = []Theme{
		ThemeFriendship, ThemeAdventure, ThemeRevenge, ThemeComingOfAge, ThemeSurvival,
		ThemeFreedom, ThemeRedemption, ThemeBetrayal, ThemeCourage, ThemeLoss, ThemeDiscovery,
	}
)

// Facets are the optional style dimensions. A zero value means absent.
type Facets struct {
	Genre Genre `json:"genre,omitempty"`
	Tone  Tone  `json:"tone,omitempty"`
	Theme Theme `json:"theme,omitempty"`
}

// PromptRequest is what a client submits for one turn. Only the composed
// instruction is stored in the log, so callers that want to regenerate must
// keep the request themselves.
type PromptRequest struct {
	Prompt string `json:"prompt"`
	Genre  string `json:"genre,omitempty"`
	Tone   string `json:"tone,omitempty"`
	Theme  string `json:"theme,omitempty"`
}

// Facets validates the request's facet strings against the closed enumerations.
func (r PromptRequest) Facets() (Facets, error) {
	var f Facets
	var err error
	if f.Genre, err = ParseGenre(r.Genre); err != nil {
		return Facets{}, err
	}
	if f.Tone, err = ParseTone(r.Tone); err != nil {
		return Facets{}, err
	}
	if f.Theme, err = ParseTheme(r.Theme); err != nil {
		return Facets{}, err
	}
	return f, nil
}

func ParseTone(s string) (Tone, error) {
	return parseFacet("tone", s, tones)
}

func ParseGenre(s string) (Genre, error) {
	return parseFacet("genre", s, genres)
}

func ParseTheme(s string) (Theme, error) {
	return parseFacet("theme", s, themes)
}

func parseFacet[T ~string](name, s string, allowed []T) (T, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, v := range allowed {
		if string(v) == s {
			return v, nil
		}
	}
	return "", invalidInputf("unknown %s %q", name, s)
}
