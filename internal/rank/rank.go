// Package rank scores memory items against a stated purpose. Scoring is a
// weighted sum of six signals, each normalized into [0,1] before weighting,
// so the final score stays in [0,1] whenever the weights sum to one.
package rank

import (
	"context"
	"math"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"contextmem/internal/config"
	"contextmem/internal/embedding"
	"contextmem/internal/item"
	"contextmem/internal/store"
	"contextmem/internal/vector"
)

// Signals is the per-item score breakdown.
type Signals struct {
	Similarity float64
	Salience   float64
	Recency    float64
	Usage      float64
	KindPrior  float64
	Freshness  float64
}

// Scored pairs an item with its final score and signal breakdown.
type Scored struct {
	Item    *item.Item
	Score   float64
	Signals Signals
}

// Ranker retrieves and scores candidates for a purpose.
type Ranker struct {
	store   *store.Store
	index   *vector.Index
	gateway *embedding.Gateway
	cfg     config.RankConfig
	logger  *zap.Logger

	now func() time.Time
}

// New builds a ranker.
func New(s *store.Store, ix *vector.Index, g *embedding.Gateway, cfg config.RankConfig, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		store:   s,
		index:   ix,
		gateway: g,
		cfg:     cfg,
		logger:  logger.Named("rank"),
		now:     time.Now,
	}
}

var (
	episodicCues = regexp.MustCompile(`(?i)\b(fix|error|bug)\b`)
	decisionCues = regexp.MustCompile(`(?i)\b(plan|design|decide)\b`)
)

// Rank embeds the purpose, pulls a candidate pool from the vector index
// (backfilled from the store when the index comes up short), and returns
// scored items in descending order, ties broken by ascending identifier.
func (r *Ranker) Rank(ctx context.Context, workspace, thread, purpose string, f item.Filter, poolSize int) ([]Scored, error) {
	if poolSize <= 0 {
		poolSize = r.cfg.PoolSize
	}
	if f.Thread == "" {
		f.Thread = thread
	}
	if r.cfg.CrossThread {
		f.CrossThread = true
	}

	sims := make(map[string]float64)
	var pool []string

	vecs, err := r.gateway.Embed(ctx, []string{purpose})
	if err != nil || vecs[0] == nil {
		r.logger.Warn("purpose embedding unavailable, falling back to recency",
			zap.Error(err))
	} else {
		matches, err := r.index.Search(workspace, vecs[0], r.gateway.ModelID(), poolSize, f)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			sims[m.ID] = m.Score
			pool = append(pool, m.ID)
		}
	}

	// Thin pools (empty workspace, pending embeddings) are topped up in
	// reverse chronological order.
	if len(pool) < poolSize/2 {
		recent, err := r.store.ListRecent(workspace, f, poolSize)
		if err != nil {
			return nil, err
		}
		for _, it := range recent {
			if _, seen := sims[it.ID]; seen {
				continue
			}
			sims[it.ID] = 0
			pool = append(pool, it.ID)
			if len(pool) >= poolSize {
				break
			}
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	items, err := r.store.GetItems(workspace, pool)
	if err != nil {
		return nil, err
	}

	purposeEpisodic := episodicCues.MatchString(purpose)
	purposeDecision := decisionCues.MatchString(purpose)
	now := r.now()

	scored := make([]Scored, 0, len(items))
	for _, it := range items {
		sig := Signals{
			Similarity: sims[it.ID],
			Salience:   it.Salience,
			Recency:    r.recency(it, now),
			Usage:      math.Min(1, math.Log2(1+float64(it.UsageCount))/6),
			KindPrior:  kindPrior(it, purposeEpisodic, purposeDecision),
			Freshness:  freshness(it),
		}
		w := r.cfg.Weights
		score := w.Similarity*sig.Similarity +
			w.Salience*sig.Salience +
			w.Recency*sig.Recency +
			w.Usage*sig.Usage +
			w.KindPrior*sig.KindPrior +
			w.Freshness*sig.Freshness
		scored = append(scored, Scored{Item: it, Score: score, Signals: sig})
	}

	sort.Slice(scored, func(a, b int) bool {
		if scored[a].Score != scored[b].Score {
			return scored[a].Score > scored[b].Score
		}
		return idSeq(scored[a].Item.ID) < idSeq(scored[b].Item.ID)
	})
	return scored, nil
}

func (r *Ranker) recency(it *item.Item, now time.Time) float64 {
	tau := r.cfg.TauSemantic
	if it.Kind == item.KindEpisodic {
		tau = r.cfg.TauEpisodic
	}
	if tau <= 0 {
		return 0
	}
	dt := now.Sub(it.LastAccessedAt)
	if dt < 0 {
		dt = 0
	}
	return math.Exp(-dt.Seconds() / tau.Seconds())
}

func kindPrior(it *item.Item, purposeEpisodic, purposeDecision bool) float64 {
	if purposeEpisodic && it.Kind == item.KindEpisodic {
		return 0.2
	}
	if purposeDecision && it.Subtype == item.SubtypeDecision {
		return 0.2
	}
	return 0
}

// freshness is 0 for items a newer decision has superseded, 1 otherwise.
func freshness(it *item.Item) float64 {
	if it.State == item.StateSuperseded {
		return 0
	}
	return 1
}

func idSeq(id string) int64 {
	_, n, err := item.ParseID(id)
	if err != nil {
		return math.MaxInt64
	}
	return n
}
