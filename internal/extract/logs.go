package extract

import (
	"regexp"
	"strings"

	"contextmem/internal/item"
)

var (
	timestampedLine = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?)?\b`)

	errorSeverity = regexp.MustCompile(`\b(ERROR|FATAL|CRITICAL)\b`)
	failureLine   = regexp.MustCompile(`(?i)^(---\s*)?FAIL\b|(\btest\w*\b|\bTest\w+\b).{0,80}\bfailed\b|\bfailed\b.{0,80}(\btest\w*\b|\bTest\w+\b)`)
)

// extractLogs splits on timestamped lines. A timestamped line opens a
// record; untimestamped continuation lines (stack traces, wrapped output)
// extend the current record's body. Severity decides the subtype.
func (e *Extractor) extractLogs(a *item.Artifact) []item.Candidate {
	var out []item.Candidate

	var (
		open  bool
		start int
		end   int
		first string
	)
	flush := func() {
		if !open {
			return
		}
		body := a.Body[start:end]
		st := classifyLogLine(first)
		c := newCandidate(a, st, first, start, end)
		c.Body = strings.TrimRight(body, "\n")
		out = append(out, c)
		open = false
	}

	offset := 0
	for _, line := range strings.SplitAfter(a.Body, "\n") {
		lineStart := offset
		offset += len(line)
		trimmed := strings.TrimRight(line, "\n")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}

		if timestampedLine.MatchString(trimmed) {
			flush()
			open = true
			start = lineStart
			end = lineStart + len(trimmed)
			first = trimmed
			continue
		}
		if open {
			end = lineStart + len(trimmed)
		} else {
			// Leading untimestamped output still becomes a record so
			// bare test runner output is not lost.
			open = true
			start = lineStart
			end = lineStart + len(trimmed)
			first = trimmed
		}
	}
	flush()
	return out
}

func classifyLogLine(line string) item.Subtype {
	if failureLine.MatchString(line) {
		return item.SubtypeTestFailure
	}
	if errorSeverity.MatchString(line) {
		return item.SubtypeError
	}
	return item.SubtypeLog
}
