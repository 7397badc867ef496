package trust

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/commontrace/commontrace/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createTrace(t *testing.T, db *store.DB, owner string, tags ...string) *store.Trace {
	t.Helper()
	tr := &store.Trace{
		Title:         "Handle connection resets",
		ContextText:   "context",
		SolutionText:  "solution",
		ContributorID: owner,
		Tags:          tags,
	}
	require.NoError(t, db.CreateTrace(context.Background(), tr))
	return tr
}

func TestApplyVotePromotion(t *testing.T) {
	tests := []struct {
		name       string
		voteType   string
		wantTrust  float64
		wantStatus string
		promoted   bool
	}{
		{"upvote promotes", store.VoteUp, 0.82, store.StatusValidated, true},
		{"downvote stays pending", store.VoteDown, -0.82, store.StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			ctx := context.Background()
			tr := createTrace(t, db, "owner")
			_, err := db.Exec("UPDATE traces SET confirmation_count = 1 WHERE id = ?", tr.ID)
			require.NoError(t, err)

			u := NewUpdater(2, zaptest.NewLogger(t))
			var res ApplyResult
			err = db.WithTx(ctx, func(tx *store.Tx) error {
				var err error
				res, err = u.ApplyVote(ctx, tx, &store.Vote{TraceID: tr.ID, VoterID: "voter", VoteType: tt.voteType, FeedbackTag: "wrong"}, 0.82)
				return err
			})
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, tt.promoted, res.Promoted)

			got, err := db.GetTrace(ctx, tr.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, got.ConfirmationCount)
			assert.InDelta(t, tt.wantTrust, got.TrustScore, 1e-9)
			assert.Equal(t, tt.wantStatus, got.Status)
		})
	}
}

func TestPromotionIsMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	tr := createTrace(t, db, "owner")
	u := NewUpdater(1, zaptest.NewLogger(t))

	apply := func(voter, voteType string, weight float64) ApplyResult {
		var res ApplyResult
		require.NoError(t, db.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			res, err = u.ApplyVote(ctx, tx, &store.Vote{TraceID: tr.ID, VoterID: voter, VoteType: voteType}, weight)
			return err
		}))
		return res
	}

	assert.True(t, apply("a", store.VoteUp, 0.5).Promoted)
	// Already validated: no second promotion, and a down vote never demotes.
	assert.False(t, apply("b", store.VoteUp, 0.5).Promoted)
	apply("c", store.VoteDown, 5)

	got, err := db.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusValidated, got.Status)
	assert.InDelta(t, -4.0, got.TrustScore, 1e-9)
	assert.Equal(t, 3, got.ConfirmationCount)
}

func TestApplyVoteDuplicateLeavesTrustUntouched(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	tr := createTrace(t, db, "owner")
	u := NewUpdater(2, zaptest.NewLogger(t))

	vote := func() error {
		return db.WithTx(ctx, func(tx *store.Tx) error {
			_, err := u.ApplyVote(ctx, tx, &store.Vote{TraceID: tr.ID, VoterID: "voter", VoteType: store.VoteUp}, 0.3)
			return err
		})
	}
	require.NoError(t, vote())
	assert.ErrorIs(t, vote(), ErrDuplicateVote)

	got, err := db.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConfirmationCount)
	assert.InDelta(t, 0.3, got.TrustScore, 1e-9)
}

func TestApplyVoteRejectsUnknownType(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	tr := createTrace(t, db, "owner")
	u := NewUpdater(2, nil)

	err := db.WithTx(ctx, func(tx *store.Tx) error {
		_, err := u.ApplyVote(ctx, tx, &store.Vote{TraceID: tr.ID, VoterID: "v", VoteType: "sideways"}, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidVoteType)
}

func TestWeightFor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := NewPropagator(DefaultBaseWeight, zaptest.NewLogger(t))

	require.NoError(t, db.WithTx(ctx, func(tx *store.Tx) error {
		// No track record at all.
		w, err := p.WeightFor(ctx, tx, "newbie", nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseWeight, w)

		w, err = p.WeightFor(ctx, tx, "newbie", []string{"python"})
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseWeight, w)

		// Aggregate score backs untagged traces.
		require.NoError(t, tx.SetContributorScore(ctx, "veteran", 0.6))
		w, err = p.WeightFor(ctx, tx, "veteran", nil)
		require.NoError(t, err)
		assert.Equal(t, 0.6, w)

		// A low aggregate never goes below the floor.
		require.NoError(t, tx.SetContributorScore(ctx, "shaky", 0.02))
		w, err = p.WeightFor(ctx, tx, "shaky", nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseWeight, w)

		// Tagged traces use the best matching domain row.
		for i := 0; i < 20; i++ {
			require.NoError(t, p.RecordVote(ctx, tx, "veteran", []string{"go"}, true))
		}
		require.NoError(t, p.RecordVote(ctx, tx, "veteran", []string{"python"}, true))
		w, err = p.WeightFor(ctx, tx, "veteran", []string{"Python", "GO", "rust"})
		require.NoError(t, err)
		assert.InDelta(t, WilsonLowerBound(20, 20), w, 1e-9)

		// Tags with no matching rows fall back to the floor, not the aggregate.
		w, err = p.WeightFor(ctx, tx, "veteran", []string{"rust"})
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseWeight, w)
		return nil
	}))
}

func TestRecordVoteKeepsWilsonInStep(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := NewPropagator(DefaultBaseWeight, zaptest.NewLogger(t))

	require.NoError(t, db.WithTx(ctx, func(tx *store.Tx) error {
		for i := 0; i < 8; i++ {
			require.NoError(t, p.RecordVote(ctx, tx, "alice", []string{"python", "fastapi"}, true))
		}
		for i := 0; i < 2; i++ {
			require.NoError(t, p.RecordVote(ctx, tx, "alice", []string{"python"}, false))
		}
		// No tags: nothing to propagate.
		require.NoError(t, p.RecordVote(ctx, tx, "bob", nil, true))
		return nil
	}))

	score, domains, found, err := db.Reputation(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, domains, 2)
	for _, d := range domains {
		assert.InDelta(t, WilsonLowerBound(d.UpvoteCount, d.UpvoteCount+d.DownvoteCount), d.WilsonScore, 1e-12, d.DomainTag)
	}
	assert.InDelta(t, WilsonLowerBound(16, 18), score, 1e-12)

	_, _, found, err = db.Reputation(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCastVote(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	svc := NewService(db, Config{ValidationThreshold: 2, BaseWeight: 0.1}, nil, zaptest.NewLogger(t))
	tr := createTrace(t, db, "owner", "python")

	_, err := svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: "owner", VoteType: store.VoteUp})
	assert.ErrorIs(t, err, ErrSelfVote)

	_, err = svc.CastVote(ctx, VoteRequest{TraceID: "missing", VoterID: "v1", VoteType: store.VoteUp})
	assert.ErrorIs(t, err, ErrTraceNotFound)

	_, err = svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: "v1", VoteType: store.VoteDown})
	assert.ErrorIs(t, err, ErrFeedbackTagRequired)

	_, err = svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: "v1", VoteType: store.VoteDown, FeedbackTag: "meh"})
	assert.ErrorIs(t, err, ErrFeedbackTagRequired)

	res, err := svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: "v1", VoteType: store.VoteUp})
	require.NoError(t, err)
	assert.Equal(t, 0.1, res.Weight)
	assert.False(t, res.Promoted)
	assert.NotEmpty(t, res.Vote.ID)

	_, err = svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: "v1", VoteType: store.VoteUp})
	assert.ErrorIs(t, err, ErrDuplicateVote)

	res, err = svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: "v2", VoteType: store.VoteUp})
	require.NoError(t, err)
	assert.True(t, res.Promoted)

	got, err := db.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConfirmationCount)
	assert.InDelta(t, 0.2, got.TrustScore, 1e-9)

	// The owner, not the voters, earns the reputation.
	rep, err := svc.Reputation(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, rep.Domains, 1)
	assert.Equal(t, "python", rep.Domains[0].DomainTag)
	assert.Equal(t, 2, rep.Domains[0].UpvoteCount)
	assert.InDelta(t, WilsonLowerBound(2, 2), rep.Score, 1e-12)

	_, err = svc.Reputation(ctx, "v1")
	assert.ErrorIs(t, err, ErrContributorNotFound)
}

func TestCastVoteConcurrentVoters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	svc := NewService(db, Config{ValidationThreshold: 2}, nil, zaptest.NewLogger(t))
	tr := createTrace(t, db, "owner")

	const voters = 25
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			voter := fmt.Sprintf("voter-%d", i)
			_, err := svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: voter, VoteType: store.VoteUp})
			assert.NoError(t, err)
			// Every voter retries once; only the first attempt counts.
			_, err = svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: voter, VoteType: store.VoteUp})
			assert.ErrorIs(t, err, ErrDuplicateVote)
		}(i)
	}
	wg.Wait()

	got, err := db.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, voters, got.ConfirmationCount)
	assert.InDelta(t, voters*DefaultBaseWeight, got.TrustScore, 1e-9)
	assert.Equal(t, store.StatusValidated, got.Status)
}

func TestCastVoteConcurrentWithDecayOnFileDB(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "commontrace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	svc := NewService(db, Config{ValidationThreshold: 2}, nil, zaptest.NewLogger(t))
	tr := createTrace(t, db, "owner", "go")

	const writers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := map[string]int{}
	fail := func(kind string, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures[kind+": "+err.Error()]++
	}
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CastVote(ctx, VoteRequest{TraceID: tr.ID, VoterID: fmt.Sprintf("voter-%d", i), VoteType: store.VoteUp})
			if err != nil {
				fail("vote", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := db.DecayPositiveTrust(ctx, 0.99); err != nil {
				fail("decay", err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	got, err := db.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, writers, got.ConfirmationCount, "no vote increment may be lost")
	assert.Greater(t, got.TrustScore, 0.0)
	assert.LessOrEqual(t, got.TrustScore, writers*DefaultBaseWeight+1e-9)
	assert.Equal(t, store.StatusValidated, got.Status)

	rep, err := svc.Reputation(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, rep.Domains, 1)
	assert.Equal(t, writers, rep.Domains[0].UpvoteCount)
}
