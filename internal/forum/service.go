// Package forum is the group practice forum built on the live cache: upvotes,
// submission stats and membership are written through transactional
// counters, and leaderboards and listings are derived views over the same
// paths.
package forum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zfogg/livecache/internal/counter"
	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/telemetry"
	"go.uber.org/zap"
)

// Service performs forum mutations against a live store
type Service struct {
	store   store.LiveStore
	counter *counter.Counter
	mode    UpvoteMode
	now     func() time.Time

	// betweenPhases runs after the flag write and before the count write of
	// two-phase upvotes and first solves
	betweenPhases func(ctx context.Context) error
}

// NewService creates a forum service. Writes go through c, which must be
// bound to s.
func NewService(s store.LiveStore, c *counter.Counter, mode UpvoteMode) *Service {
	if mode == "" {
		mode = ModeTwoPhase
	}
	return &Service{
		store:   s,
		counter: c,
		mode:    mode,
		now:     time.Now,
	}
}

// Store returns the underlying live store
func (s *Service) Store() store.LiveStore {
	return s.store
}

// Mode returns the configured upvote mode
func (s *Service) Mode() UpvoteMode {
	return s.mode
}

// ToggleUpvote flips uid's upvote on a solution and adjusts its count.
// In two-phase mode the flag and the count are separate writes; the count
// write recounts every flag, so a toggle interrupted between them is
// repaired by the next toggle on the same solution.
func (s *Service) ToggleUpvote(ctx context.Context, ref SolutionRef, uid string) (UpvoteResult, error) {
	if err := ref.Validate(); err != nil {
		return UpvoteResult{}, err
	}
	if err := ValidateID("user", uid); err != nil {
		return UpvoteResult{}, err
	}

	ctx, span := telemetry.TraceForum(ctx, "upvote", telemetry.ForumAttrs{
		GroupID:    ref.GroupID,
		ProblemID:  ref.ProblemID,
		SolutionID: ref.SolutionID,
		UserID:     uid,
		Mode:       string(s.mode),
	})
	defer span.End()

	var (
		result UpvoteResult
		err    error
	)
	if s.mode == ModeAtomic {
		result, err = s.toggleAtomic(ctx, ref, uid)
	} else {
		result, err = s.toggleTwoPhase(ctx, ref, uid)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return UpvoteResult{}, err
	}
	telemetry.RecordSuccess(span)

	logger.Log.Debug("Upvote toggled",
		zap.String("solution", ref.String()),
		logger.WithUserID(uid),
		zap.Bool("upvoted", result.Upvoted),
		zap.Int64("count", result.Count),
	)
	return result, nil
}

func (s *Service) toggleTwoPhase(ctx context.Context, ref SolutionRef, uid string) (UpvoteResult, error) {
	sol, err := s.store.Read(ctx, ref.Path())
	if err != nil {
		return UpvoteResult{}, err
	}
	if sol == nil {
		return UpvoteResult{}, apperrors.NotFound("solution")
	}

	upvoted, err := s.counter.Toggle(ctx, ref.UpvotePath(uid))
	if err != nil {
		return UpvoteResult{}, fmt.Errorf("toggle upvote flag: %w", err)
	}

	if s.betweenPhases != nil {
		if err := s.betweenPhases(ctx); err != nil {
			return UpvoteResult{}, err
		}
	}

	count, _, err := s.settleCount(ctx, ref)
	if err != nil {
		logger.Log.Warn("Upvote count left out of sync with flags",
			zap.String("solution", ref.String()),
			logger.WithUserID(uid),
			zap.Error(err),
		)
		return UpvoteResult{}, fmt.Errorf("adjust upvote count: %w", err)
	}
	return UpvoteResult{Upvoted: upvoted, Count: count}, nil
}

// settleCount sets a solution's count to the number of its upvote flags in
// one swap over the solution node. It returns the count and the stale value
// it replaced, which equals the count when nothing was written.
func (s *Service) settleCount(ctx context.Context, ref SolutionRef) (count, stale int64, err error) {
	v, err := s.counter.Apply(ctx, ref.Path(), func(current any) (any, error) {
		if current == nil {
			return nil, apperrors.NotFound("solution")
		}
		sol := store.AsMap(current)
		n := countFlags(store.AsMap(sol["upvotes"]))
		stale = store.AsInt64(sol["upvoteCount"])
		if stale == n {
			return nil, counter.Abort
		}
		next := store.CloneMap(current)
		next["upvoteCount"] = float64(n)
		return next, nil
	})
	if err != nil && !errors.Is(err, counter.Abort) {
		return 0, 0, err
	}
	return store.AsInt64(store.AsMap(v)["upvoteCount"]), stale, nil
}

func (s *Service) toggleAtomic(ctx context.Context, ref SolutionRef, uid string) (UpvoteResult, error) {
	v, err := s.counter.Apply(ctx, ref.Path(), func(current any) (any, error) {
		if current == nil {
			return nil, apperrors.NotFound("solution")
		}
		next := store.CloneMap(current)
		upvotes := store.CloneMap(next["upvotes"])
		if store.AsBool(upvotes[uid]) {
			delete(upvotes, uid)
		} else {
			upvotes[uid] = true
		}
		next["upvotes"] = upvotes
		next["upvoteCount"] = float64(countFlags(upvotes))
		return next, nil
	})
	if err != nil {
		return UpvoteResult{}, err
	}
	sol := store.AsMap(v)
	return UpvoteResult{
		Upvoted: store.AsBool(store.AsMap(sol["upvotes"])[uid]),
		Count:   store.AsInt64(sol["upvoteCount"]),
	}, nil
}

// Reconcile recounts a solution's upvote flags into its count and returns
// the corrected count. Nothing is written when they already agree.
func (s *Service) Reconcile(ctx context.Context, ref SolutionRef) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, err
	}

	ctx, span := telemetry.TraceForum(ctx, "reconcile", telemetry.ForumAttrs{
		GroupID:    ref.GroupID,
		ProblemID:  ref.ProblemID,
		SolutionID: ref.SolutionID,
	})
	defer span.End()

	count, stale, err := s.settleCount(ctx, ref)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	telemetry.RecordSuccess(span)

	if stale != count {
		logger.Log.Info("Reconciled upvote count",
			zap.String("solution", ref.String()),
			zap.Int64("was", stale),
			zap.Int64("now", count),
		)
	}
	return count, nil
}

// RecordSubmission counts a submission to a problem. The first accepted
// submission of a user also raises their group score.
func (s *Service) RecordSubmission(ctx context.Context, gid, pid, uid string, accepted bool) (SubmissionResult, error) {
	if err := ValidateID("group", gid); err != nil {
		return SubmissionResult{}, err
	}
	if err := ValidateID("problem", pid); err != nil {
		return SubmissionResult{}, err
	}
	if err := ValidateID("user", uid); err != nil {
		return SubmissionResult{}, err
	}

	ctx, span := telemetry.TraceForum(ctx, "submission", telemetry.ForumAttrs{
		GroupID:   gid,
		ProblemID: pid,
		UserID:    uid,
	})
	defer span.End()

	result, err := s.recordSubmission(ctx, gid, pid, uid, accepted)
	if err != nil {
		telemetry.RecordError(span, err)
		return SubmissionResult{}, err
	}
	telemetry.RecordSuccess(span)
	return result, nil
}

func (s *Service) recordSubmission(ctx context.Context, gid, pid, uid string, accepted bool) (SubmissionResult, error) {
	var result SubmissionResult

	submissions, err := s.counter.Increment(ctx, SubmissionsPath(gid, pid), 1)
	if err != nil {
		return result, fmt.Errorf("count submission: %w", err)
	}
	result.Submissions = submissions

	if !accepted {
		v, err := s.store.Read(ctx, AcceptedPath(gid, pid))
		if err != nil {
			return result, err
		}
		result.Accepted = store.AsInt64(v)
		return result, nil
	}

	if result.Accepted, err = s.counter.Increment(ctx, AcceptedPath(gid, pid), 1); err != nil {
		return result, fmt.Errorf("count accepted: %w", err)
	}

	_, err = s.counter.Apply(ctx, SolvedPath(gid, pid, uid), func(current any) (any, error) {
		if store.AsBool(current) {
			return nil, counter.Abort
		}
		return true, nil
	})
	switch {
	case errors.Is(err, counter.Abort):
	case err != nil:
		return result, fmt.Errorf("mark solved: %w", err)
	default:
		result.FirstSolve = true
	}

	if s.betweenPhases != nil {
		if err := s.betweenPhases(ctx); err != nil {
			return result, err
		}
	}

	if result.Score, err = s.settleScore(ctx, gid, uid); err != nil {
		return result, fmt.Errorf("raise score: %w", err)
	}
	if result.FirstSolve {
		logger.Log.Debug("First solve recorded",
			zap.String("group_id", gid),
			zap.String("problem_id", pid),
			logger.WithUserID(uid),
			zap.Int64("score", result.Score),
		)
	}
	return result, nil
}

// settleScore raises uid's score to the number of problems they have solved
// in the group. Scores never decrease.
func (s *Service) settleScore(ctx context.Context, gid, uid string) (int64, error) {
	v, err := s.counter.Apply(ctx, ScorePath(gid, uid), func(current any) (any, error) {
		solved, err := s.store.Read(ctx, SolvedByPath(gid))
		if err != nil {
			return nil, err
		}
		var n int64
		for _, users := range store.AsMap(solved) {
			if store.AsBool(store.AsMap(users)[uid]) {
				n++
			}
		}
		if n <= store.AsInt64(current) {
			return nil, counter.Abort
		}
		return n, nil
	})
	if err != nil && !errors.Is(err, counter.Abort) {
		return 0, err
	}
	return store.AsInt64(v), nil
}

// CreateGroup names a group and makes owner its first member
func (s *Service) CreateGroup(ctx context.Context, gid, name, owner string) error {
	if err := ValidateID("group", gid); err != nil {
		return err
	}
	if err := ValidateID("user", owner); err != nil {
		return err
	}
	return s.store.Update(ctx, map[store.Path]any{
		GroupNamePath(gid):     name,
		MemberPath(gid, owner): Member{Role: RoleOwner, JoinedAt: s.now().UnixMilli()},
	})
}

// JoinGroup adds uid to a group. Joining twice keeps the first record and
// reports false.
func (s *Service) JoinGroup(ctx context.Context, gid, uid, role string) (bool, error) {
	if err := ValidateID("group", gid); err != nil {
		return false, err
	}
	if err := ValidateID("user", uid); err != nil {
		return false, err
	}
	if role == "" {
		role = RoleMember
	}

	ctx, span := telemetry.TraceForum(ctx, "join", telemetry.ForumAttrs{GroupID: gid, UserID: uid})
	defer span.End()

	_, err := s.counter.Apply(ctx, MemberPath(gid, uid), func(current any) (any, error) {
		if current != nil {
			return nil, counter.Abort
		}
		return Member{Role: role, JoinedAt: s.now().UnixMilli()}, nil
	})
	switch {
	case errors.Is(err, counter.Abort):
		return false, nil
	case err != nil:
		telemetry.RecordError(span, err)
		return false, err
	}
	return true, nil
}

// LeaveGroup removes uid's membership. Scores stay behind but leaderboards
// only list members.
func (s *Service) LeaveGroup(ctx context.Context, gid, uid string) error {
	if err := ValidateID("group", gid); err != nil {
		return err
	}
	if err := ValidateID("user", uid); err != nil {
		return err
	}
	_, span := telemetry.TraceForum(ctx, "leave", telemetry.ForumAttrs{GroupID: gid, UserID: uid})
	defer span.End()
	return s.store.Write(ctx, MemberPath(gid, uid), nil)
}

// PutUser writes a user profile
func (s *Service) PutUser(ctx context.Context, uid string, u User) error {
	if err := ValidateID("user", uid); err != nil {
		return err
	}
	return s.store.Write(ctx, UserPath(uid), u)
}

// PutProblem writes a problem, replacing any previous stats
func (s *Service) PutProblem(ctx context.Context, gid, pid string, p Problem) error {
	if err := ValidateID("group", gid); err != nil {
		return err
	}
	if err := ValidateID("problem", pid); err != nil {
		return err
	}
	return s.store.Write(ctx, ProblemPath(gid, pid), p)
}

// PostSolution writes a solution. Its upvote count is derived from the
// flags it carries.
func (s *Service) PostSolution(ctx context.Context, ref SolutionRef, sol Solution) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if sol.CreatedAt == 0 {
		sol.CreatedAt = s.now().UnixMilli()
	}
	var n int64
	for _, up := range sol.Upvotes {
		if up {
			n++
		}
	}
	sol.UpvoteCount = n
	return s.store.Write(ctx, ref.Path(), sol)
}

func countFlags(flags map[string]any) int64 {
	var n int64
	for _, v := range flags {
		if store.AsBool(v) {
			n++
		}
	}
	return n
}
