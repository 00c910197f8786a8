package rank

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contextmem/internal/config"
	"contextmem/internal/embedding"
	"contextmem/internal/item"
	"contextmem/internal/store"
	"contextmem/internal/vector"
)

type fixture struct {
	store   *store.Store
	index   *vector.Index
	gateway *embedding.Gateway
	ranker  *Ranker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ix := vector.NewIndex(s.DB(), config.VectorIndexConfig{}, nil)
	g := embedding.NewGateway(embedding.NewStaticEngine("static-64", 64), config.DefaultEmbeddingConfig(), nil)
	return &fixture{
		store:   s,
		index:   ix,
		gateway: g,
		ranker:  New(s, ix, g, config.Default().Rank, nil),
	}
}

// seed persists an item and its embedding, mirroring what consolidation does.
func (f *fixture) seed(t *testing.T, thread, summary string, st item.Subtype) *item.Item {
	t.Helper()
	// Fixed timestamps keep recency identical across seeded items so tests
	// compare the signals they mean to compare.
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	it := &item.Item{
		Workspace:      "ws1",
		Thread:         thread,
		Kind:           item.KindOf(st),
		Subtype:        st,
		Summary:        summary,
		Salience:       item.InitialSalience(st),
		UsageCount:     1,
		CreatedAt:      ts,
		LastAccessedAt: ts,
		ContentHash:    item.ContentHash(summary, ""),
		EmbeddingModel: "static-64",
	}
	require.NoError(t, f.store.CreateItem(it))
	vecs, err := f.gateway.Embed(context.Background(), []string{summary})
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert("ws1", it.ID, "static-64", vecs[0]))
	return it
}

func TestRankPrefersSimilarItems(t *testing.T) {
	f := newFixture(t)
	relevant := f.seed(t, "t1", "store refresh tokens in httponly cookies", item.SubtypeDecision)
	f.seed(t, "t1", "the quick brown fox jumps over fences", item.SubtypeDecision)

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "implement token refresh", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, relevant.ID, got[0].Item.ID)
	assert.Greater(t, got[0].Signals.Similarity, got[1].Signals.Similarity)
}

func TestRankScenarioTokenRefresh(t *testing.T) {
	f := newFixture(t)
	req := f.seed(t, "t1", "we must use jwt for auth", item.SubtypeRequirement)
	dec := f.seed(t, "t1", "we will store refresh tokens in httponly cookies", item.SubtypeDecision)

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "implement token refresh", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dec.ID, got[0].Item.ID, "decision about refresh tokens should outrank the jwt requirement")
	assert.Equal(t, req.ID, got[1].Item.ID)
}

func TestRankScoreInUnitInterval(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1", "store refresh tokens in cookies", item.SubtypeDecision)
	f.seed(t, "t1", "fix the flaky login test", item.SubtypeTask)

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "plan token refresh work", item.Filter{}, 10)
	require.NoError(t, err)
	for _, sc := range got {
		assert.GreaterOrEqual(t, sc.Score, 0.0)
		assert.LessOrEqual(t, sc.Score, 1.0)
	}
}

func TestRankKindPrior(t *testing.T) {
	f := newFixture(t)
	// Identical text so the purpose-conditioned prior is what separates the
	// two kinds.
	f.seed(t, "t1", "login handler rejects expired sessions", item.SubtypeError)
	dec := f.seed(t, "t1", "login handler rejects expired sessions", item.SubtypeDecision)

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "decide the session design", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dec.ID, got[0].Item.ID, "decision cue in purpose should boost decision items")
	assert.Equal(t, 0.2, got[0].Signals.KindPrior)

	got, err = f.ranker.Rank(context.Background(), "ws1", "t1", "fix the session bug", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, item.KindEpisodic, got[0].Item.Kind, "fix cue should boost episodic items")
}

func TestRankSupersededLosesFreshness(t *testing.T) {
	f := newFixture(t)
	old := f.seed(t, "t1", "use jwt session tokens", item.SubtypeDecision)
	newer := f.seed(t, "t1", "use opaque session tokens instead", item.SubtypeDecision)

	require.NoError(t, f.store.AddLink(&item.Link{
		Workspace: "ws1", From: newer.ID, To: old.ID, Type: item.LinkSupersedes,
	}))
	_, err := f.store.UpdateItem("ws1", old.ID, item.Mutation{Superseded: true})
	require.NoError(t, err)

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "session strategy", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].Item.ID, "superseded decision must rank below its replacement")

	for _, sc := range got {
		if sc.Item.ID == old.ID {
			assert.Equal(t, 0.0, sc.Signals.Freshness)
		} else {
			assert.Equal(t, 1.0, sc.Signals.Freshness)
		}
	}
}

func TestRankTiesBreakByAscendingID(t *testing.T) {
	f := newFixture(t)
	first := f.seed(t, "t1", "identical twin summary", item.SubtypeDecision)
	second := f.seed(t, "t1", "identical twin summary", item.SubtypeDecision)

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "identical twin summary", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].Item.ID)
	assert.Equal(t, second.ID, got[1].Item.ID)
}

func TestRankBackfillsWhenIndexEmpty(t *testing.T) {
	f := newFixture(t)
	// Pending item: persisted without a vector.
	it := &item.Item{
		Workspace:   "ws1",
		Thread:      "t1",
		Kind:        item.KindSemantic,
		Subtype:     item.SubtypeDecision,
		Summary:     "pending decision",
		Salience:    0.8,
		ContentHash: item.ContentHash("pending decision", ""),
	}
	require.NoError(t, f.store.CreateItem(it))

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "anything at all", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, it.ID, got[0].Item.ID)
	assert.Equal(t, 0.0, got[0].Signals.Similarity, "pending items contribute zero similarity")
}

func TestRankExcludesOtherThreadsByDefault(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "t1", "thread one decision", item.SubtypeDecision)
	f.seed(t, "t2", "thread two decision", item.SubtypeDecision)

	got, err := f.ranker.Rank(context.Background(), "ws1", "t1", "decision", item.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].Item.Thread)

	got, err = f.ranker.Rank(context.Background(), "ws1", "t1", "decision", item.Filter{CrossThread: true}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRankEmptyWorkspace(t *testing.T) {
	f := newFixture(t)
	got, err := f.ranker.Rank(context.Background(), "ws-empty", "t1", "anything", item.Filter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecencyDecay(t *testing.T) {
	f := newFixture(t)
	r := f.ranker
	r.now = func() time.Time { return time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC) }

	semantic := &item.Item{
		Kind:           item.KindSemantic,
		LastAccessedAt: r.now().Add(-7 * 24 * time.Hour),
	}
	episodic := &item.Item{
		Kind:           item.KindEpisodic,
		LastAccessedAt: r.now().Add(-36 * time.Hour),
	}
	// One time constant elapsed in both cases: e^-1.
	assert.InDelta(t, 0.3679, r.recency(semantic, r.now()), 1e-3)
	assert.InDelta(t, 0.3679, r.recency(episodic, r.now()), 1e-3)

	fresh := &item.Item{Kind: item.KindSemantic, LastAccessedAt: r.now()}
	assert.InDelta(t, 1.0, r.recency(fresh, r.now()), 1e-9)
}
