// Package extract turns redacted artifacts into candidate memory items.
// Extraction is pure and deterministic: the same artifact body always yields
// the same ordered candidate list. All heuristics operate on the redacted
// text, so sensitive values never influence classification.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"contextmem/internal/item"
)

// Extractor parses chat transcripts, unified diffs, and log output.
type Extractor struct{}

// New returns an extractor with the default heuristics.
func New() *Extractor { return &Extractor{} }

// Extract returns the ordered candidate list for an artifact. Unknown
// content types yield no candidates.
func (e *Extractor) Extract(a *item.Artifact) []item.Candidate {
	switch a.ContentType {
	case item.ContentChat:
		return e.extractChat(a)
	case item.ContentDiff:
		return e.extractDiff(a)
	case item.ContentLogs:
		return e.extractLogs(a)
	}
	return nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

var (
	refPattern = regexp.MustCompile(`\b[SE][1-9]\d*\b`)

	boostCues = regexp.MustCompile(`(?i)\b(critical|blocker|blocking|urgent|important|severe)\b`)
	dampCues  = regexp.MustCompile(`(?i)\b(minor|trivial|maybe|perhaps|someday|nit)\b`)
)

// techLexicon drives tag extraction. Tokens are matched lowercase on word
// boundaries; at most five tags are attached per candidate.
var techLexicon = []string{
	"api", "auth", "cache", "ci", "config", "cookie", "database", "deploy",
	"docker", "grpc", "http", "https", "index", "json", "jwt", "kubernetes",
	"login", "memory", "migration", "oauth", "postgres", "queue", "redis",
	"rest", "schema", "session", "sql", "sqlite", "test", "timeout", "token",
	"tls", "vector", "websocket", "yaml",
}

// newCandidate assembles a candidate with summary truncation, modulated
// salience, tags, and inline item references filled in.
func newCandidate(a *item.Artifact, st item.Subtype, text string, start, end int) item.Candidate {
	cleaned := strings.TrimSpace(text)
	c := item.Candidate{
		Subtype:  st,
		Summary:  item.TruncateSummary(cleaned),
		Body:     cleaned,
		Salience: modulateSalience(item.InitialSalience(st), cleaned),
		Span:     item.SpanRef{ArtifactID: a.ID, Start: start, End: end},
	}
	if tags := extractTags(cleaned); len(tags) > 0 {
		c.Payload = map[string]any{"tags": tags}
	}
	c.Refs = refPattern.FindAllString(cleaned, -1)
	return c
}

// modulateSalience nudges the subtype base salience by emphasis cues in the
// text, clamped into [0.1, 1.0] so no candidate starts invisible or pinned.
func modulateSalience(base float64, text string) float64 {
	s := base
	if boostCues.MatchString(text) {
		s += 0.1
	}
	if dampCues.MatchString(text) {
		s -= 0.1
	}
	if s < 0.1 {
		return 0.1
	}
	if s > 1.0 {
		return 1.0
	}
	return s
}

func extractTags(text string) []string {
	lower := strings.ToLower(text)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		words[w] = true
	}

	var tags []string
	for _, t := range techLexicon {
		if words[t] {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	if len(tags) > 5 {
		tags = tags[:5]
	}
	return tags
}
