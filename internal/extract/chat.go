package extract

import (
	"regexp"
	"strings"

	"contextmem/internal/item"
)

var (
	roleMarker = regexp.MustCompile(`(?im)^(user|assistant|system):[ \t]*`)

	constraintCues  = regexp.MustCompile(`(?i)\b(do not|don't|must not|never|not allowed)\b|(?i)^\s*only\b|(?i)\bonly if\b`)
	requirementCues = regexp.MustCompile(`(?i)\b(must|need to|needs to|should|required to|have to|has to)\b`)
	decisionCues    = regexp.MustCompile(`(?i)\b(let's|let us|we will|we'll|we are going to|switch to|instead of|decided to|going with)\b|(?i)\buse\s+\S+(\s+\S+)*\s+for\b`)
	preferenceCues  = regexp.MustCompile(`(?i)\b(prefer|preferably|ideally|would rather|i like|nicer)\b`)

	// Verb-initial action phrases become tasks.
	taskVerbs = regexp.MustCompile(`(?i)^\s*(add|build|check|create|delete|deploy|document|fix|implement|investigate|migrate|refactor|remove|rename|review|test|update|upgrade|verify|write)\b`)

	// Code symbols: calls, dotted or underscored identifiers, CamelCase.
	codeSymbol = regexp.MustCompile(`\b\w+\(\)|\b\w+\.\w+\(|\b[a-z]+_[a-z_]+\b|\b[A-Z][a-z]+[A-Z]\w*\b`)

	sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)|\n+`)
)

// extractChat splits the transcript into role-marked turns and classifies
// each sentence. Sentences that match no cue and carry no entity signal are
// dropped as conversational filler.
func (e *Extractor) extractChat(a *item.Artifact) []item.Candidate {
	var out []item.Candidate
	for _, turn := range splitTurns(a.Body) {
		for _, sent := range splitSentences(turn.text, turn.start) {
			st, ok := classifySentence(sent.text)
			if !ok {
				continue
			}
			out = append(out, newCandidate(a, st, sent.text, sent.start, sent.end))
		}
	}
	return out
}

type span struct {
	text       string
	start, end int
}

// splitTurns cuts the transcript at role markers. Text before the first
// marker is treated as one unattributed turn.
func splitTurns(body string) []span {
	markers := roleMarker.FindAllStringIndex(body, -1)
	if len(markers) == 0 {
		if strings.TrimSpace(body) == "" {
			return nil
		}
		return []span{{text: body, start: 0, end: len(body)}}
	}

	var turns []span
	if markers[0][0] > 0 {
		if lead := body[:markers[0][0]]; strings.TrimSpace(lead) != "" {
			turns = append(turns, span{text: lead, start: 0, end: markers[0][0]})
		}
	}
	for i, m := range markers {
		contentStart := m[1]
		contentEnd := len(body)
		if i+1 < len(markers) {
			contentEnd = markers[i+1][0]
		}
		if strings.TrimSpace(body[contentStart:contentEnd]) == "" {
			continue
		}
		turns = append(turns, span{text: body[contentStart:contentEnd], start: contentStart, end: contentEnd})
	}
	return turns
}

// splitSentences cuts a turn into propositions at sentence terminators and
// newlines, preserving byte offsets into the artifact body.
func splitSentences(text string, base int) []span {
	var out []span
	start := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		// Include the terminator itself, not the trailing whitespace.
		raw := text[start:m[0]]
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			offset := start + leadingSpace(raw)
			out = append(out, span{
				text:  trimmed,
				start: base + offset,
				end:   base + offset + len(trimmed),
			})
		}
		start = m[1]
	}
	if trimmed := strings.TrimSpace(text[start:]); trimmed != "" {
		offset := start + leadingSpace(text[start:])
		out = append(out, span{
			text:  trimmed,
			start: base + offset,
			end:   base + offset + len(trimmed),
		})
	}
	return out
}

func leadingSpace(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \t\r\n"))
}

// classifySentence maps a proposition to its subtype. Cue precedence:
// constraint beats requirement ("must not" is a constraint, not an
// obligation), requirement beats decision ("we must use X for Y"), then
// decision, task, preference, entity. Unclassifiable filler is dropped.
func classifySentence(s string) (item.Subtype, bool) {
	words := strings.Fields(s)
	if len(words) < 2 {
		return "", false
	}
	switch {
	case constraintCues.MatchString(s):
		return item.SubtypeConstraint, true
	case requirementCues.MatchString(s):
		return item.SubtypeRequirement, true
	case decisionCues.MatchString(s):
		return item.SubtypeDecision, true
	case taskVerbs.MatchString(s):
		return item.SubtypeTask, true
	case preferenceCues.MatchString(s):
		return item.SubtypePreference, true
	case codeSymbol.MatchString(s) || hasProperNoun(words):
		return item.SubtypeEntity, true
	}
	return "", false
}

// hasProperNoun looks for a capitalized word past the sentence start.
func hasProperNoun(words []string) bool {
	for _, w := range words[1:] {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 1 && w[0] >= 'A' && w[0] <= 'Z' && strings.ToUpper(w) != w {
			return true
		}
	}
	return false
}
