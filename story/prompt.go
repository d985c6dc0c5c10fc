package story

import (
	"fmt"
	"regexp"
	"strings"
)

// LengthDirective closes every instruction so the model finishes its sentences.
const LengthDirective = "Write under 200 words in complete sentences."

var htmlTag = regexp.MustCompile(`<[^>]*>?`)

// SanitizePrompt trims the free text and strips anything that looks like markup.
func SanitizePrompt(s string) string {
	s = strings.TrimSpace(s)
	s = htmlTag.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// Compose builds the instruction stored as the user turn.
func Compose(freeText string, f Facets, isFirstTurn bool) string {
	if isFirstTurn {
		return BuildInitialPrompt(freeText, f)
	}
	return BuildContinuationPrompt(freeText)
}

// BuildInitialPrompt phrases the opening of a story. Absent tone and genre fall
// back to generic wording; an absent theme drops its clause.
func BuildInitialPrompt(freeText string, f Facets) string {
	clauses := []string{"Give the beginning of"}
	if f.Tone != "" {
		clauses = append(clauses, article(string(f.Tone))+" "+string(f.Tone))
	} else {
		clauses = append(clauses, "an entertaining")
	}
	if f.Genre != "" {
		clauses = append(clauses, string(f.Genre)+" story")
	} else {
		clauses = append(clauses, "story")
	}
	clauses = append(clauses, fmt.Sprintf("about %q", strings.TrimSpace(freeText)))
	if f.Theme != "" {
		clauses = append(clauses, "with a theme of "+string(f.Theme))
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(clauses, " "))
	sb.WriteString(". ")
	sb.WriteString(LengthDirective)
	return sb.String()
}

// BuildContinuationPrompt keeps the free text so the user can steer the plot
// on every turn.
func BuildContinuationPrompt(freeText string) string {
	return fmt.Sprintf("Continue the story about %q in under 200 words. Carry the plot forward smoothly. %s",
		strings.TrimSpace(freeText), LengthDirective)
}

func article(word string) string {
	if word != "" && strings.ContainsRune("aeiou", rune(word[0])) {
		return "an"
	}
	return "a"
}
