package forum

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/livecache/internal/counter"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/view"
)

func TestMain(m *testing.M) {
	_ = logger.Initialize("error", "")
	os.Exit(m.Run())
}

var (
	clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ref   = SolutionRef{GroupID: "g1", ProblemID: "p1", SolutionID: "s1"}
)

func newTestService(t *testing.T, mode UpvoteMode) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	svc := NewService(s, counter.New(s, counter.DefaultPolicy()), mode)
	svc.now = func() time.Time { return clock }
	return svc, s
}

func seedSolution(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.PostSolution(context.Background(), ref, Solution{Author: "u1", Language: "go"}))
}

func readSolution(t *testing.T, s store.LiveStore) Solution {
	t.Helper()
	v, err := s.Read(context.Background(), ref.Path())
	require.NoError(t, err)
	var sol Solution
	require.NoError(t, store.Decode(v, &sol))
	return sol
}

func TestToggleUpvoteOnOffRestores(t *testing.T) {
	for _, mode := range []UpvoteMode{ModeTwoPhase, ModeAtomic} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			svc, s := newTestService(t, mode)
			seedSolution(t, svc)

			res, err := svc.ToggleUpvote(ctx, ref, "u2")
			require.NoError(t, err)
			assert.Equal(t, UpvoteResult{Upvoted: true, Count: 1}, res)

			res, err = svc.ToggleUpvote(ctx, ref, "u2")
			require.NoError(t, err)
			assert.Equal(t, UpvoteResult{Upvoted: false, Count: 0}, res)

			sol := readSolution(t, s)
			assert.Equal(t, int64(0), sol.UpvoteCount)
			assert.False(t, sol.Upvotes["u2"])
			assert.Equal(t, "go", sol.Language)
		})
	}
}

func TestConcurrentUpvotesFold(t *testing.T) {
	for _, mode := range []UpvoteMode{ModeTwoPhase, ModeAtomic} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			svc, s := newTestService(t, mode)
			seedSolution(t, svc)

			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(uid string) {
					defer wg.Done()
					_, err := svc.ToggleUpvote(ctx, ref, uid)
					assert.NoError(t, err)
				}(fmt.Sprintf("u%d", i))
			}
			wg.Wait()

			sol := readSolution(t, s)
			assert.Equal(t, int64(n), sol.UpvoteCount)
			assert.Len(t, sol.Upvotes, n)
		})
	}
}

// An interrupted two-phase toggle leaves the flag set and the count stale
// until Reconcile recounts it.
func TestTwoPhaseInterruptionLeavesCountStale(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)
	seedSolution(t, svc)

	crash := errors.New("process exited")
	svc.betweenPhases = func(context.Context) error { return crash }

	_, err := svc.ToggleUpvote(ctx, ref, "u2")
	require.ErrorIs(t, err, crash)

	sol := readSolution(t, s)
	assert.True(t, sol.Upvotes["u2"])
	assert.Equal(t, int64(0), sol.UpvoteCount)

	svc.betweenPhases = nil
	count, err := svc.Reconcile(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(1), readSolution(t, s).UpvoteCount)
}

func TestTwoPhaseNextToggleHealsInterruptedCount(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)
	seedSolution(t, svc)

	svc.betweenPhases = func(context.Context) error { return errors.New("process exited") }
	_, err := svc.ToggleUpvote(ctx, ref, "u2")
	require.Error(t, err)
	svc.betweenPhases = nil

	res, err := svc.ToggleUpvote(ctx, ref, "u2")
	require.NoError(t, err)
	assert.Equal(t, UpvoteResult{Upvoted: false, Count: 0}, res)

	res, err = svc.ToggleUpvote(ctx, ref, "u2")
	require.NoError(t, err)
	assert.Equal(t, UpvoteResult{Upvoted: true, Count: 1}, res)

	// a different user's toggle repairs the count as well
	svc.betweenPhases = func(context.Context) error { return errors.New("process exited") }
	_, err = svc.ToggleUpvote(ctx, ref, "u3")
	require.Error(t, err)
	svc.betweenPhases = nil

	res, err = svc.ToggleUpvote(ctx, ref, "u4")
	require.NoError(t, err)
	assert.Equal(t, UpvoteResult{Upvoted: true, Count: 3}, res)

	sol := readSolution(t, s)
	assert.Len(t, sol.Upvotes, 3)
	assert.Equal(t, int64(3), sol.UpvoteCount)
}

func TestTwoPhaseToggleMissingSolution(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)

	_, err := svc.ToggleUpvote(ctx, ref, "u2")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrNotFound, apperrors.CodeOf(err))

	v, err := s.Read(ctx, ref.Path())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestAtomicToggleIgnoresPhaseHook(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeAtomic)
	seedSolution(t, svc)
	svc.betweenPhases = func(context.Context) error { return errors.New("process exited") }

	res, err := svc.ToggleUpvote(ctx, ref, "u2")
	require.NoError(t, err)
	assert.Equal(t, UpvoteResult{Upvoted: true, Count: 1}, res)

	sol := readSolution(t, s)
	assert.Equal(t, int64(len(sol.Upvotes)), sol.UpvoteCount)
}

func TestAtomicToggleMissingSolution(t *testing.T) {
	svc, _ := newTestService(t, ModeAtomic)

	_, err := svc.ToggleUpvote(context.Background(), ref, "u2")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrNotFound, apperrors.CodeOf(err))
}

func TestReconcileLeavesConsistentCount(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)
	seedSolution(t, svc)
	_, err := svc.ToggleUpvote(ctx, ref, "u2")
	require.NoError(t, err)

	before := readSolution(t, s)
	count, err := svc.Reconcile(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, before, readSolution(t, s))

	_, err = svc.Reconcile(ctx, SolutionRef{GroupID: "g1", ProblemID: "p1", SolutionID: "nope"})
	assert.Equal(t, apperrors.ErrNotFound, apperrors.CodeOf(err))
}

func TestToggleUpvoteValidatesIDs(t *testing.T) {
	svc, _ := newTestService(t, ModeTwoPhase)

	_, err := svc.ToggleUpvote(context.Background(), SolutionRef{GroupID: "g1", ProblemID: "p1"}, "u1")
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))

	_, err = svc.ToggleUpvote(context.Background(), ref, "a/b")
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))

	_, err = svc.ToggleUpvote(context.Background(), ref, "a.b")
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))
}

func TestRecordSubmissionScoresFirstSolveOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, ModeTwoPhase)

	res, err := svc.RecordSubmission(ctx, "g1", "p1", "u1", false)
	require.NoError(t, err)
	assert.Equal(t, SubmissionResult{Submissions: 1}, res)

	res, err = svc.RecordSubmission(ctx, "g1", "p1", "u1", true)
	require.NoError(t, err)
	assert.Equal(t, SubmissionResult{Submissions: 2, Accepted: 1, FirstSolve: true, Score: 1}, res)

	res, err = svc.RecordSubmission(ctx, "g1", "p1", "u1", true)
	require.NoError(t, err)
	assert.Equal(t, SubmissionResult{Submissions: 3, Accepted: 2, Score: 1}, res)

	res, err = svc.RecordSubmission(ctx, "g1", "p2", "u1", true)
	require.NoError(t, err)
	assert.Equal(t, SubmissionResult{Submissions: 1, Accepted: 1, FirstSolve: true, Score: 2}, res)
}

func TestInterruptedFirstSolveScoredOnRetry(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)

	svc.betweenPhases = func(context.Context) error { return errors.New("process exited") }
	_, err := svc.RecordSubmission(ctx, "g1", "p1", "u1", true)
	require.Error(t, err)
	svc.betweenPhases = nil

	score, err := s.Read(ctx, ScorePath("g1", "u1"))
	require.NoError(t, err)
	assert.Nil(t, score)

	res, err := svc.RecordSubmission(ctx, "g1", "p1", "u1", true)
	require.NoError(t, err)
	assert.False(t, res.FirstSolve)
	assert.Equal(t, int64(1), res.Score)

	res, err = svc.RecordSubmission(ctx, "g1", "p2", "u1", true)
	require.NoError(t, err)
	assert.True(t, res.FirstSolve)
	assert.Equal(t, int64(2), res.Score)
}

func TestConcurrentFirstSolvesScoreOnce(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordSubmission(ctx, "g1", "p1", "u1", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	score, err := s.Read(ctx, ScorePath("g1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.AsInt64(score))

	accepted, err := s.Read(ctx, AcceptedPath("g1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), store.AsInt64(accepted))
}

func TestJoinAndLeaveGroup(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)

	joined, err := svc.JoinGroup(ctx, "g1", "u1", "")
	require.NoError(t, err)
	assert.True(t, joined)

	svc.now = func() time.Time { return clock.Add(time.Hour) }
	joined, err = svc.JoinGroup(ctx, "g1", "u1", RoleOwner)
	require.NoError(t, err)
	assert.False(t, joined)

	v, err := s.Read(ctx, MemberPath("g1", "u1"))
	require.NoError(t, err)
	var m Member
	require.NoError(t, store.Decode(v, &m))
	assert.Equal(t, Member{Role: RoleMember, JoinedAt: clock.UnixMilli()}, m)

	require.NoError(t, svc.LeaveGroup(ctx, "g1", "u1"))
	v, err = s.Read(ctx, MembersPath("g1"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestLeaderboardOfEmptyGroup(t *testing.T) {
	s := store.NewMemoryStore()

	entries, err := Leaderboard("g1").Once(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, entries)

	h, err := Leaderboard("g1").Derive(registry.New(s), "page")
	require.NoError(t, err)
	defer h.Close()

	entries, state, err := h.Value()
	require.NoError(t, err)
	assert.Equal(t, view.Ready, state)
	assert.Empty(t, entries)
}

func TestLeaderboardTracksMembersAndScores(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)
	require.NoError(t, svc.PutUser(ctx, "u1", User{DisplayName: "Zoe", Handle: "zoe"}))
	require.NoError(t, svc.PutUser(ctx, "u2", User{DisplayName: "adam", Handle: "adam"}))
	require.NoError(t, svc.PutUser(ctx, "u3", User{DisplayName: "Mia"}))
	require.NoError(t, svc.CreateGroup(ctx, "g1", "Algorithms", "u1"))
	_, err := svc.JoinGroup(ctx, "g1", "u2", "")
	require.NoError(t, err)
	// u3 scores without being a member
	require.NoError(t, s.Write(ctx, ScorePath("g1", "u3"), 5))

	h, err := Leaderboard("g1").Derive(registry.New(s), "page")
	require.NoError(t, err)
	defer h.Close()

	entries, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "adam", entries[0].DisplayName)
	assert.Equal(t, "Zoe", entries[1].DisplayName)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, 1, entries[1].Rank)

	_, err = svc.RecordSubmission(ctx, "g1", "p1", "u1", true)
	require.NoError(t, err)

	entries, _, err = h.Value()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, LeaderboardEntry{Rank: 1, UserID: "u1", DisplayName: "Zoe", Handle: "zoe", Role: RoleOwner, Solved: 1}, entries[0])
	assert.Equal(t, 2, entries[1].Rank)

	require.NoError(t, svc.LeaveGroup(ctx, "g1", "u1"))
	entries, _, err = h.Value()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].UserID)
}

func TestSolutionsViewOrdering(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeAtomic)
	require.NoError(t, svc.PutUser(ctx, "u1", User{DisplayName: "Zoe"}))

	post := func(sid string, createdAt int64, upvoters ...string) {
		votes := map[string]bool{}
		for _, u := range upvoters {
			votes[u] = true
		}
		r := SolutionRef{GroupID: "g1", ProblemID: "p1", SolutionID: sid}
		require.NoError(t, svc.PostSolution(ctx, r, Solution{Author: "u1", Language: "go", CreatedAt: createdAt, Upvotes: votes}))
	}
	post("s1", 300, "u2")
	post("s2", 200, "u2", "u3")
	post("s3", 100, "u3")

	out, err := Solutions("g1", "p1", "u2").Once(ctx, s)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, []string{"s2", "s3", "s1"}, []string{out[0].ID, out[1].ID, out[2].ID})
	assert.Equal(t, int64(2), out[0].UpvoteCount)
	assert.True(t, out[0].UpvotedByViewer)
	assert.False(t, out[1].UpvotedByViewer)
	assert.Equal(t, "Zoe", out[0].AuthorName)
}

func TestProblemsViewAcceptanceRate(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, ModeTwoPhase)
	require.NoError(t, svc.PutProblem(ctx, "g1", "p2", Problem{Title: "Two Sum", Difficulty: "easy"}))
	require.NoError(t, svc.PutProblem(ctx, "g1", "p1", Problem{Title: "LRU Cache", Difficulty: "medium"}))

	_, err := svc.RecordSubmission(ctx, "g1", "p2", "u1", false)
	require.NoError(t, err)
	_, err = svc.RecordSubmission(ctx, "g1", "p2", "u1", true)
	require.NoError(t, err)

	out, err := Problems("g1").Once(ctx, s)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "LRU Cache", out[0].Title)
	assert.Zero(t, out[0].AcceptanceRate)
	assert.Equal(t, ProblemSummary{ID: "p2", Title: "Two Sum", Difficulty: "easy", Submissions: 2, Accepted: 1, AcceptanceRate: 0.5}, out[1])
}

func TestNamedViews(t *testing.T) {
	def, err := Named(Query{View: ViewLeaderboard, GroupID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, []store.Path{"groups/g1/members", "groups/g1/scores", "users"}, def.Deps)

	def, err = Named(Query{View: ViewSolutions, GroupID: "g1", ProblemID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, ViewSolutions, def.Name)

	_, err = Named(Query{View: ViewSolutions, GroupID: "g1"})
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))

	_, err = Named(Query{View: "feed", GroupID: "g1"})
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))
}

func TestParseUpvoteMode(t *testing.T) {
	mode, err := ParseUpvoteMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeTwoPhase, mode)

	mode, err = ParseUpvoteMode(" ATOMIC ")
	require.NoError(t, err)
	assert.Equal(t, ModeAtomic, mode)

	_, err = ParseUpvoteMode("eventual")
	assert.Error(t, err)
}
