package pipeline

import (
	"regexp"
	"strings"
)

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// SplitSentences breaks text at sentence enders (.!?) followed by whitespace.
// Each returned sentence is trimmed; blank pieces are dropped.
func SplitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

var (
	mdFence   = regexp.MustCompile("(?s)```.*?```")
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading = regexp.MustCompile(`(?m)^\s{0,3}(#{1,6}|[-*+]|\d+\.)\s+`)
	mdCode    = regexp.MustCompile("`+")

	// Emphasis markers only count when paired around text and not inside a
	// word, so "job_42" and "5*3" survive. Longer markers go first.
	mdEmphasis = []*regexp.Regexp{
		emphasis(`\*\*`), emphasis(`__`), emphasis(`~~`), emphasis(`\*`), emphasis(`_`),
	}
)

func emphasis(marker string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)(^|[^\w*_~])` + marker + `([^\s*_~](?:[^\n]*?[^\s*_~])?)` + marker + `($|[^\w*_~])`)
}

// StripMarkdown removes formatting that would be read aloud literally.
func StripMarkdown(text string) string {
	text = mdFence.ReplaceAllString(text, "")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdCode.ReplaceAllString(text, "")
	for _, re := range mdEmphasis {
		// adjacent spans share a boundary character, so repeat until stable
		for prev := ""; prev != text; {
			prev = text
			text = re.ReplaceAllString(text, "${1}${2}${3}")
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

// noiseWords are common speech-to-text hallucinations on background noise.
var noiseWords = map[string]bool{
	"static": true, "silence": true, "noise": true, "inaudible": true,
	"unintelligible": true, "background noise": true, "music": true,
	"typing": true, "breathing": true, "sigh": true, "cough": true,
	"laughter": true, "applause": true, "you": true, "the": true,
	"a": true, "um": true, "uh": true, "hmm": true, "ah": true,
	"oh": true, "mhm": true, "thank you.": true, "you.": true,
}

// Unintelligible reports whether a transcript carries no usable request:
// empty, a bracketed sound annotation like [noise] or *static*, or a lone
// filler word.
func Unintelligible(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	for _, pair := range [][2]string{{"*", "*"}, {"[", "]"}, {"(", ")"}} {
		if strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
			return true
		}
	}
	return noiseWords[strings.ToLower(text)]
}
