package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"contextmem/internal/config"
	"contextmem/internal/item"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.DatabasePath = ":memory:"
	return cfg
}

func newCore(t *testing.T, cfg config.Config) *Core {
	t.Helper()
	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChatIngestionAndRecall(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{
		Chat: "User: We must use JWT for auth.\nAssistant: Agreed. We will store refresh tokens in httpOnly cookies.",
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	require.Len(t, res.ArtifactIDs, 1)

	first, err := c.Expand(ctx, "ws1", res.Created[0], FormSummary)
	require.NoError(t, err)
	assert.Equal(t, item.SubtypeRequirement, first.Item.Subtype)
	assert.Contains(t, first.Item.Summary, "use JWT for auth")

	second, err := c.Expand(ctx, "ws1", res.Created[1], FormSummary)
	require.NoError(t, err)
	assert.Equal(t, item.SubtypeDecision, second.Item.Subtype)

	recall, err := c.Recall(ctx, "ws1", "T1", "implement token refresh", 4000, Filters{})
	require.NoError(t, err)
	require.Len(t, recall.Items, 2)
	assert.Equal(t, second.Item.ID, recall.Items[0].ID,
		"decision about refresh tokens should rank above the jwt requirement")
	assert.LessOrEqual(t, recall.TokensUsed, 4000)
}

func TestDuplicateIngestion(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()
	materials := Materials{
		Chat: "User: We must use JWT for auth.\nAssistant: Agreed. We will store refresh tokens in httpOnly cookies.",
	}

	first, err := c.Ingest(ctx, "ws1", "T1", materials)
	require.NoError(t, err)
	require.Len(t, first.Created, 2)

	second, err := c.Ingest(ctx, "ws1", "T1", materials)
	require.NoError(t, err)
	assert.Empty(t, second.Created, "re-ingesting identical materials creates nothing")
	assert.Len(t, second.Updated, 2)

	for _, id := range first.Created {
		exp, err := c.Expand(ctx, "ws1", id, FormSummary)
		require.NoError(t, err)
		assert.Equal(t, int64(2), exp.Item.UsageCount)
	}
}

func TestSupersession(t *testing.T) {
	cfg := testConfig()
	// The offline hash embeddings score paraphrases lower than a provider
	// model; widen the gates so the contradiction check decides.
	cfg.Consolidation.SupersedeThreshold = 0.3
	cfg.Consolidation.ReferThreshold = 0.2
	c := newCore(t, cfg)
	ctx := context.Background()

	first, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Let's use JWT."})
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Instead of JWT, use opaque session tokens."})
	require.NoError(t, err)
	require.Len(t, second.Created, 1)

	exp, err := c.Expand(ctx, "ws1", second.Created[0], FormFull)
	require.NoError(t, err)
	require.Len(t, exp.Links, 1)
	assert.Equal(t, item.LinkSupersedes, exp.Links[0].Type)
	assert.Equal(t, first.Created[0], exp.Links[0].To)

	recall, err := c.Recall(ctx, "ws1", "T1", "session strategy", 4000, Filters{})
	require.NoError(t, err)
	require.Len(t, recall.Items, 2)
	assert.Equal(t, second.Created[0], recall.Items[0].ID,
		"superseded decision ranks strictly below its replacement")
}

func TestRedactionOnIngest(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{
		Logs: "2025-01-01 ERROR user=alice@example.com token=abcd1234efgh5678",
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	exp, err := c.Expand(ctx, "ws1", res.Created[0], FormFull)
	require.NoError(t, err)
	assert.Contains(t, exp.Item.Body, "[REDACTED_EMAIL]")
	assert.Contains(t, exp.Item.Body, "[REDACTED_TOKEN]")
	assert.NotContains(t, exp.Item.Body, "alice@example.com")
	assert.NotContains(t, exp.Raw, "abcd1234efgh5678", "artifact body is stored redacted")

	// The content hash covers the redacted form.
	assert.Equal(t, item.ContentHash(exp.Item.Summary, exp.Item.Body), exp.Item.ContentHash)
}

func TestFeedbackSaturation(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: The AuthHandler wraps validateToken()."})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	id := res.Created[0]

	before, err := c.Expand(ctx, "ws1", id, FormSummary)
	require.NoError(t, err)
	usageBefore := before.Item.UsageCount

	var last *FeedbackResult
	for i := 0; i < 30; i++ {
		last, err = c.Feedback(ctx, "ws1", FeedbackRequest{ItemID: id, Signal: item.SignalHelpful, Magnitude: 1.0})
		require.NoError(t, err)
	}
	assert.Equal(t, 1.0, last.NewSalience, "salience saturates at 1.0")

	after, err := c.Expand(ctx, "ws1", id, FormSummary)
	require.NoError(t, err)
	assert.Equal(t, usageBefore+30, after.Item.UsageCount)
}

func TestFeedbackOutdatedRetires(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Let's use JWT."})
	require.NoError(t, err)
	id := res.Created[0]

	var fb *FeedbackResult
	for i := 0; i < 5; i++ {
		fb, err = c.Feedback(ctx, "ws1", FeedbackRequest{ItemID: id, Signal: item.SignalOutdated, Magnitude: 1.0})
		require.NoError(t, err)
		if fb.Retired {
			break
		}
	}
	assert.True(t, fb.Retired, "repeated outdated feedback retires the item")

	// Retired items are invisible to recall by default.
	recall, err := c.Recall(ctx, "ws1", "T1", "jwt decision", 4000, Filters{})
	require.NoError(t, err)
	assert.Empty(t, recall.Items)

	recall, err = c.Recall(ctx, "ws1", "T1", "jwt decision", 4000, Filters{IncludeRetired: true})
	require.NoError(t, err)
	assert.Len(t, recall.Items, 1)
}

func TestFeedbackDuplicateLinks(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	a, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Let's use JWT."})
	require.NoError(t, err)
	b, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: We will adopt JWT everywhere."})
	require.NoError(t, err)

	_, err = c.Feedback(ctx, "ws1", FeedbackRequest{
		ItemID:      b.Created[0],
		Signal:      item.SignalDuplicate,
		Magnitude:   1.0,
		CanonicalID: a.Created[0],
	})
	require.NoError(t, err)

	exp, err := c.Expand(ctx, "ws1", b.Created[0], FormFull)
	require.NoError(t, err)
	require.Len(t, exp.Links, 1)
	assert.Equal(t, item.LinkDuplicateOf, exp.Links[0].Type)
	assert.Equal(t, a.Created[0], exp.Links[0].To)
}

func TestFeedbackDuplicateCollapsesOldCanonical(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	a, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Let's use JWT."})
	require.NoError(t, err)
	b, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: We will adopt JWT everywhere."})
	require.NoError(t, err)
	x, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: We are going to standardize on signed tokens."})
	require.NoError(t, err)

	_, err = c.Feedback(ctx, "ws1", FeedbackRequest{
		ItemID:      x.Created[0],
		Signal:      item.SignalDuplicate,
		Magnitude:   1.0,
		CanonicalID: b.Created[0],
	})
	require.NoError(t, err)

	// Demoting b to a duplicate must repoint x at the new canonical.
	_, err = c.Feedback(ctx, "ws1", FeedbackRequest{
		ItemID:      b.Created[0],
		Signal:      item.SignalDuplicate,
		Magnitude:   1.0,
		CanonicalID: a.Created[0],
	})
	require.NoError(t, err)

	exp, err := c.Expand(ctx, "ws1", x.Created[0], FormFull)
	require.NoError(t, err)
	require.Len(t, exp.Links, 1)
	assert.Equal(t, item.LinkDuplicateOf, exp.Links[0].Type)
	assert.Equal(t, a.Created[0], exp.Links[0].To)
}

func TestFeedbackJournalsEveryCall(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Let's use JWT."})
	require.NoError(t, err)
	id := res.Created[0]

	_, err = c.Feedback(ctx, "ws1", FeedbackRequest{ItemID: id, Signal: item.SignalHelpful, Magnitude: 1.0})
	require.NoError(t, err)
	_, err = c.Feedback(ctx, "ws1", FeedbackRequest{ItemID: id, Signal: item.SignalNotHelpful, Magnitude: 0.5})
	require.NoError(t, err)

	records, err := c.store.ListFeedback("ws1", id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, item.SignalHelpful, records[0].Signal)
	assert.Equal(t, item.SignalNotHelpful, records[1].Signal)
}

func TestWorkspaceIsolation(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Let's use JWT."})
	require.NoError(t, err)
	id := res.Created[0]

	// The id exists, but not in ws2; existence must not leak.
	_, err = c.Expand(ctx, "ws2", id, FormSummary)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Feedback(ctx, "ws2", FeedbackRequest{ItemID: id, Signal: item.SignalHelpful, Magnitude: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	recall, err := c.Recall(ctx, "ws2", "T1", "jwt", 4000, Filters{})
	require.NoError(t, err)
	assert.Empty(t, recall.Items)
}

func TestInputValidation(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	_, err := c.Ingest(ctx, "ws1", "T1", Materials{})
	assert.ErrorIs(t, err, ErrInputInvalid)

	_, err = c.Recall(ctx, "ws1", "T1", "   ", 4000, Filters{})
	assert.ErrorIs(t, err, ErrInputInvalid)

	_, err = c.Recall(ctx, "ws1", "T1", "purpose", 0, Filters{})
	assert.ErrorIs(t, err, ErrInputInvalid)

	_, err = c.Recall(ctx, "ws1", "T1", "purpose", 100, Filters{IncludeKinds: []string{"bogus"}})
	assert.ErrorIs(t, err, ErrInputInvalid)

	_, err = c.Feedback(ctx, "ws1", FeedbackRequest{ItemID: "S1", Signal: "bogus", Magnitude: 1})
	assert.ErrorIs(t, err, ErrInputInvalid)

	_, err = c.Feedback(ctx, "ws1", FeedbackRequest{ItemID: "S1", Signal: item.SignalHelpful, Magnitude: 2})
	assert.ErrorIs(t, err, ErrInputInvalid)

	_, err = c.Expand(ctx, "ws1", "S1", ExpandForm("partial"))
	assert.ErrorIs(t, err, ErrInputInvalid)
}

func TestBuildWorkingSetEndToEnd(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	_, err := c.Ingest(ctx, "ws1", "T1", Materials{
		Chat: strings.Join([]string{
			"User: We must keep downtime under one minute.",
			"Assistant: We will migrate the database with a shadow table.",
			"User: Write the migration script. Do not drop old columns yet.",
		}, "\n"),
	})
	require.NoError(t, err)

	ws, err := c.BuildWorkingSet(ctx, "ws1", "T1", "plan the migration", 4000, Filters{})
	require.NoError(t, err)

	assert.Equal(t, "plan the migration", ws.Mission)
	assert.NotEmpty(t, ws.FocusDecisions)
	assert.NotEmpty(t, ws.FocusTasks)
	assert.NotEmpty(t, ws.Constraints)
	assert.NotEmpty(t, ws.Runbook)
	assert.NotEmpty(t, ws.Artifacts)
	assert.LessOrEqual(t, ws.TokensUsed, 4000)

	again, err := c.BuildWorkingSet(ctx, "ws1", "T1", "plan the migration", 4000, Filters{})
	require.NoError(t, err)
	b1, _ := ws.Marshal()
	b2, _ := again.Marshal()
	assert.Equal(t, string(b1), string(b2))
}

func TestExpandFullReturnsSourceSpan(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: We must use JWT for auth."})
	require.NoError(t, err)

	exp, err := c.Expand(ctx, "ws1", res.Created[0], FormFull)
	require.NoError(t, err)
	assert.Equal(t, "We must use JWT for auth", exp.Raw)
}

func TestExpandFullClampsCorruptSpan(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	artifact := &item.Artifact{
		Workspace:   "ws1",
		Thread:      "T1",
		ContentType: item.ContentChat,
		Body:        "short body",
	}
	require.NoError(t, c.store.CreateArtifact(artifact))

	// Offsets past the artifact can only come from corrupt rows; Expand must
	// degrade to an empty span rather than panic.
	it := &item.Item{
		Workspace:   "ws1",
		Thread:      "T1",
		Kind:        item.KindSemantic,
		Subtype:     item.SubtypeRequirement,
		Summary:     "dangling span",
		Salience:    0.5,
		ContentHash: item.ContentHash("dangling span", ""),
		Span:        item.SpanRef{ArtifactID: artifact.ID, Start: 9000, End: 9010},
	}
	require.NoError(t, c.store.CreateItem(it))

	exp, err := c.Expand(ctx, "ws1", it.ID, FormFull)
	require.NoError(t, err)
	assert.Empty(t, exp.Raw)
}

func TestBackfillEmbeddings(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	res, err := c.Ingest(ctx, "ws1", "T1", Materials{Chat: "User: Let's use JWT."})
	require.NoError(t, err)
	id := res.Created[0]

	// Simulate a provider outage at ingest time by clearing the stamp and
	// dropping the vector.
	empty := ""
	_, err = c.store.UpdateItem("ws1", id, item.Mutation{EmbeddingModel: &empty})
	require.NoError(t, err)
	require.NoError(t, c.index.Delete("ws1", id))

	n, err := c.BackfillEmbeddings(ctx, "ws1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exp, err := c.Expand(ctx, "ws1", id, FormSummary)
	require.NoError(t, err)
	assert.False(t, exp.Item.Pending())
}

func TestStats(t *testing.T) {
	c := newCore(t, testConfig())
	ctx := context.Background()

	_, err := c.Ingest(ctx, "ws1", "T1", Materials{
		Chat: "User: Let's use JWT.",
		Logs: "2025-01-01 ERROR boom",
	})
	require.NoError(t, err)

	stats, err := c.Stats(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["artifacts"])
	assert.Equal(t, int64(2), stats["items"])
	assert.Equal(t, int64(1), stats["items_semantic"])
	assert.Equal(t, int64(1), stats["items_episodic"])
}
