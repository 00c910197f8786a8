package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"contextmem/internal/item"
)

var (
	diffFileHeader = regexp.MustCompile(`^\+\+\+ (?:b/)?(.+)$`)
	diffHunkHeader = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)

	// Language-agnostic symbol declarations on changed lines.
	symbolPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*func\s+(?:\([^)]*\)\s*)?([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*def\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*(?:export\s+)?(?:class|struct|interface|trait|enum)\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^\s*type\s+([A-Za-z_]\w*)\s`),
		regexp.MustCompile(`^\s*(?:const|var|let)\s+([A-Za-z_]\w*)`),
		regexp.MustCompile(`^([A-Za-z_]\w*)\s*:?=`),
	}
)

// extractDiff walks unified diff hunks and emits one entity candidate per
// distinct changed symbol, carrying the file path and hunk coordinates in
// the payload. Symbols repeat across hunks only once per file.
func (e *Extractor) extractDiff(a *item.Artifact) []item.Candidate {
	var out []item.Candidate

	var (
		file      string
		hunkStart int
		hunkLines int
		seen      = map[string]bool{} // file + symbol
	)

	offset := 0
	for _, line := range strings.SplitAfter(a.Body, "\n") {
		lineStart := offset
		offset += len(line)
		trimmed := strings.TrimRight(line, "\n")

		if m := diffFileHeader.FindStringSubmatch(trimmed); m != nil {
			file = m[1]
			continue
		}
		if m := diffHunkHeader.FindStringSubmatch(trimmed); m != nil {
			hunkStart, _ = strconv.Atoi(m[1])
			hunkLines = 1
			if m[2] != "" {
				hunkLines, _ = strconv.Atoi(m[2])
			}
			continue
		}
		if file == "" || len(trimmed) == 0 {
			continue
		}
		if trimmed[0] != '+' && trimmed[0] != '-' {
			continue
		}
		if strings.HasPrefix(trimmed, "+++") || strings.HasPrefix(trimmed, "---") {
			continue
		}

		symbol := matchSymbol(trimmed[1:])
		if symbol == "" {
			continue
		}
		key := file + "\x00" + symbol
		if seen[key] {
			continue
		}
		seen[key] = true

		c := newCandidate(a, item.SubtypeEntity,
			fmt.Sprintf("%s changed in %s", symbol, file),
			lineStart, lineStart+len(trimmed))
		if c.Payload == nil {
			c.Payload = map[string]any{}
		}
		c.Payload["file"] = file
		c.Payload["symbol"] = symbol
		c.Payload["hunk_start"] = hunkStart
		c.Payload["hunk_lines"] = hunkLines
		c.Body = trimmed
		out = append(out, c)
	}
	return out
}

func matchSymbol(line string) string {
	for _, p := range symbolPatterns {
		if m := p.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}
