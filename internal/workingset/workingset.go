// Package workingset assembles the budgeted, structured context block that
// downstream LLM calls inject. Assembly is pure computation over the ranked
// input plus artifact lookups; identical inputs produce byte-identical
// output.
package workingset

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"contextmem/internal/config"
	"contextmem/internal/item"
	"contextmem/internal/rank"
	"contextmem/internal/store"
)

// WorkingSet is the assembled context block.
type WorkingSet struct {
	Mission         string              `json:"mission"`
	Constraints     []string            `json:"constraints"`
	FocusDecisions  []string            `json:"focus_decisions"`
	FocusTasks      []string            `json:"focus_tasks"`
	Runbook         []string            `json:"runbook"`
	Artifacts       []ArtifactRef       `json:"artifacts"`
	Citations       map[string][]string `json:"citations"`
	OpenQuestions   []string            `json:"open_questions"`
	TokensUsed      int                 `json:"tokens_used"`
	TokensAvailable int                 `json:"tokens_available"`
}

// ArtifactRef is one referenced source artifact.
type ArtifactRef struct {
	ID          string `json:"artifact_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Marshal renders the working set as deterministic JSON.
func (ws *WorkingSet) Marshal() ([]byte, error) {
	return json.MarshalIndent(ws, "", "  ")
}

// Builder packs ranked items into a working set under a token budget.
type Builder struct {
	store  *store.Store
	cfg    config.WorkingSetConfig
	logger *zap.Logger
}

// New builds a working-set builder.
func New(s *store.Store, cfg config.WorkingSetConfig, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: s, cfg: cfg, logger: logger.Named("workingset")}
}

var uncertaintyLexicon = regexp.MustCompile(`(?i)\b(unclear|unknown|tbd|to be decided|undecided|open question)\b`)

// Build assembles a working set from ranked items. Items are considered in
// rank order; one that would blow the budget is skipped and scanning
// continues, so smaller lower-ranked items can still pack in. Subtypes with
// no home section are passed over without consuming budget.
func (b *Builder) Build(workspace string, ranked []rank.Scored, purpose string, budget int) (*WorkingSet, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", budget)
	}
	est := b.estimator()

	ws := &WorkingSet{
		Constraints:    []string{},
		FocusDecisions: []string{},
		FocusTasks:     []string{},
		Runbook:        []string{},
		Artifacts:      []ArtifactRef{},
		Citations:      map[string][]string{},
		OpenQuestions:  []string{},
	}

	mission := b.mission(purpose)
	missionTokens := est(mission)
	if missionTokens > budget {
		ws.Mission = truncateToTokens(mission, budget, b.cfg.TokenEstimator)
		ws.TokensUsed = est(ws.Mission)
		ws.TokensAvailable = 0
		return ws, nil
	}
	ws.Mission = mission
	used := missionTokens

	var (
		selected     []*item.Item
		tasks        []*item.Item
		requirements []*item.Item
	)
	for _, sc := range ranked {
		it := sc.Item
		if sectionFor(it.Subtype) == "" {
			continue
		}
		cost := est(it.Summary)
		if used+cost > budget {
			continue // keep scanning: a smaller item may still fit
		}
		used += cost
		selected = append(selected, it)

		switch it.Subtype {
		case item.SubtypeConstraint:
			ws.Constraints = append(ws.Constraints, it.Summary)
			cite(ws, "constraints", it.ID)
		case item.SubtypeDecision:
			ws.FocusDecisions = append(ws.FocusDecisions, it.Summary)
			cite(ws, "focus_decisions", it.ID)
		case item.SubtypeTask:
			ws.FocusTasks = append(ws.FocusTasks, it.Summary)
			cite(ws, "focus_tasks", it.ID)
			tasks = append(tasks, it)
		case item.SubtypeRequirement:
			requirements = append(requirements, it)
		}
	}

	b.buildRunbook(ws, tasks, requirements)
	b.buildOpenQuestions(ws, requirements)
	b.placeRemainingRequirements(ws, requirements)
	if err := b.buildArtifacts(workspace, ws, selected); err != nil {
		return nil, err
	}

	ws.TokensUsed = used
	ws.TokensAvailable = budget - used
	return ws, nil
}

// mission restates the purpose, bounded by the configured token budget for
// the opening paragraph.
func (b *Builder) mission(purpose string) string {
	m := strings.TrimSpace(purpose)
	limit := b.cfg.MissionTokens
	if limit <= 0 {
		limit = 120
	}
	if b.estimator()(m) > limit {
		m = truncateToTokens(m, limit, b.cfg.TokenEstimator)
	}
	return m
}

// buildRunbook numbers the selected tasks; requirements fill up to three
// steps when too few tasks were selected.
func (b *Builder) buildRunbook(ws *WorkingSet, tasks, requirements []*item.Item) {
	for _, t := range tasks {
		ws.Runbook = append(ws.Runbook, fmt.Sprintf("%d. %s", len(ws.Runbook)+1, t.Summary))
		cite(ws, "runbook", t.ID)
	}
	for _, r := range requirements {
		if len(ws.Runbook) >= 3 {
			break
		}
		ws.Runbook = append(ws.Runbook, fmt.Sprintf("%d. %s", len(ws.Runbook)+1, r.Summary))
		cite(ws, "runbook", r.ID)
	}
}

func (b *Builder) buildOpenQuestions(ws *WorkingSet, requirements []*item.Item) {
	for _, r := range requirements {
		if strings.Contains(r.Body, "?") || strings.Contains(r.Summary, "?") ||
			uncertaintyLexicon.MatchString(r.Summary) || uncertaintyLexicon.MatchString(r.Body) {
			ws.OpenQuestions = append(ws.OpenQuestions, r.Summary)
			cite(ws, "open_questions", r.ID)
		}
	}
}

// placeRemainingRequirements surfaces selected requirements that landed in
// neither the runbook nor open questions alongside the constraints, so no
// selected item is invisible in the output.
func (b *Builder) placeRemainingRequirements(ws *WorkingSet, requirements []*item.Item) {
	placed := map[string]bool{}
	for _, section := range []string{"runbook", "open_questions"} {
		for _, id := range ws.Citations[section] {
			placed[id] = true
		}
	}
	for _, r := range requirements {
		if placed[r.ID] {
			continue
		}
		ws.Constraints = append(ws.Constraints, r.Summary)
		cite(ws, "constraints", r.ID)
	}
}

// buildArtifacts lists each artifact referenced by a selected item, once,
// in first-reference order.
func (b *Builder) buildArtifacts(workspace string, ws *WorkingSet, selected []*item.Item) error {
	seen := map[string]bool{}
	for _, it := range selected {
		id := it.Span.ArtifactID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		a, err := b.store.GetArtifact(workspace, id)
		if err != nil {
			b.logger.Warn("referenced artifact missing",
				zap.String("artifact", id), zap.Error(err))
			continue
		}
		ws.Artifacts = append(ws.Artifacts, ArtifactRef{
			ID:          a.ID,
			Title:       fmt.Sprintf("%s %s", a.ContentType, a.ID),
			Description: firstLine(a.Body, 80),
		})
	}
	return nil
}

func cite(ws *WorkingSet, section, id string) {
	ws.Citations[section] = append(ws.Citations[section], id)
}

// sectionFor maps a subtype to its home section; empty means the subtype
// has no slot in the working set and is not packed.
func sectionFor(st item.Subtype) string {
	switch st {
	case item.SubtypeConstraint:
		return "constraints"
	case item.SubtypeDecision:
		return "focus_decisions"
	case item.SubtypeTask:
		return "focus_tasks"
	case item.SubtypeRequirement:
		return "runbook"
	}
	return ""
}

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// Estimator returns the token estimator for a configured name. Unknown
// names fall back to the chars/4 default.
func Estimator(name string) func(string) int {
	if name == "whitespace_tokens" {
		return whitespaceTokens
	}
	return charsOver4
}

func (b *Builder) estimator() func(string) int {
	return Estimator(b.cfg.TokenEstimator)
}

func charsOver4(s string) int {
	return (len(s) + 3) / 4
}

func whitespaceTokens(s string) int {
	return len(strings.Fields(s))
}

// truncateToTokens cuts text so its estimate fits within limit under the
// given estimator.
func truncateToTokens(s string, limit int, estimator string) string {
	if limit <= 0 {
		return ""
	}
	if estimator == "whitespace_tokens" {
		fields := strings.Fields(s)
		if len(fields) <= limit {
			return s
		}
		return strings.Join(fields[:limit], " ")
	}
	maxChars := limit * 4
	if len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// firstLine returns the first line of s, clipped to max bytes on a rune
// boundary.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
