package forum

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/registry"
	"github.com/zfogg/livecache/internal/store"
	"github.com/zfogg/livecache/internal/view"
)

// View names accepted by Named
const (
	ViewLeaderboard = "leaderboard"
	ViewProblems    = "problems"
	ViewSolutions   = "solutions"
)

// Def is a view definition: dependency paths and a pure compute over them
type Def[V any] struct {
	Name    string
	Deps    []store.Path
	Compute view.ComputeFunc[V]
}

// Derive opens a live view for scope
func (d Def[V]) Derive(reg *registry.Registry, scope registry.Scope) (*view.Handle[V], error) {
	return view.Derive(reg, scope, d.Deps, d.Compute)
}

// Once computes the view from a single read of every dependency
func (d Def[V]) Once(ctx context.Context, s store.LiveStore) (V, error) {
	return view.Once(ctx, s, d.Deps, d.Compute)
}

// Any erases the value type, for callers that only serialize it
func (d Def[V]) Any() Def[any] {
	return Def[any]{
		Name: d.Name,
		Deps: d.Deps,
		Compute: func(in view.Inputs) (any, error) {
			return d.Compute(in)
		},
	}
}

// Query selects a named view
type Query struct {
	View      string `json:"view"`
	GroupID   string `json:"group"`
	ProblemID string `json:"problem,omitempty"`
	Viewer    string `json:"-"`
}

// Named resolves a query to a view definition
func Named(q Query) (Def[any], error) {
	if err := ValidateID("group", q.GroupID); err != nil {
		return Def[any]{}, err
	}
	switch q.View {
	case ViewLeaderboard:
		return Leaderboard(q.GroupID).Any(), nil
	case ViewProblems:
		return Problems(q.GroupID).Any(), nil
	case ViewSolutions:
		if err := ValidateID("problem", q.ProblemID); err != nil {
			return Def[any]{}, err
		}
		return Solutions(q.GroupID, q.ProblemID, q.Viewer).Any(), nil
	}
	return Def[any]{}, apperrors.ValidationError("view", fmt.Sprintf("unknown view %q", q.View))
}

// LeaderboardEntry is one ranked member
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle,omitempty"`
	Role        string `json:"role"`
	Solved      int64  `json:"solved"`
}

// Leaderboard ranks the members of a group by solved count, then display
// name. Scores of users who left are ignored. Members with equal counts
// share a rank.
func Leaderboard(gid string) Def[[]LeaderboardEntry] {
	return Def[[]LeaderboardEntry]{
		Name: ViewLeaderboard,
		Deps: []store.Path{MembersPath(gid), ScoresPath(gid), UsersPath()},
		Compute: func(in view.Inputs) ([]LeaderboardEntry, error) {
			var (
				members map[string]Member
				scores  map[string]int64
				users   map[string]User
			)
			if err := in.Decode(0, &members); err != nil {
				return nil, err
			}
			if err := in.Decode(1, &scores); err != nil {
				return nil, err
			}
			if err := in.Decode(2, &users); err != nil {
				return nil, err
			}

			entries := make([]LeaderboardEntry, 0, len(members))
			for uid, m := range members {
				u := users[uid]
				name := u.DisplayName
				if name == "" {
					name = uid
				}
				entries = append(entries, LeaderboardEntry{
					UserID:      uid,
					DisplayName: name,
					Handle:      u.Handle,
					Role:        m.Role,
					Solved:      scores[uid],
				})
			}

			sort.Slice(entries, func(i, j int) bool {
				a, b := entries[i], entries[j]
				if a.Solved != b.Solved {
					return a.Solved > b.Solved
				}
				if c := strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)); c != 0 {
					return c < 0
				}
				return a.UserID < b.UserID
			})
			for i := range entries {
				if i > 0 && entries[i].Solved == entries[i-1].Solved {
					entries[i].Rank = entries[i-1].Rank
				} else {
					entries[i].Rank = i + 1
				}
			}
			return entries, nil
		},
	}
}

// ProblemSummary is one problem with its acceptance rate
type ProblemSummary struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Difficulty     string  `json:"difficulty"`
	Submissions    int64   `json:"submissions"`
	Accepted       int64   `json:"accepted"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

// Problems lists a group's problems by title
func Problems(gid string) Def[[]ProblemSummary] {
	return Def[[]ProblemSummary]{
		Name: ViewProblems,
		Deps: []store.Path{ProblemsPath(gid)},
		Compute: func(in view.Inputs) ([]ProblemSummary, error) {
			var problems map[string]Problem
			if err := in.Decode(0, &problems); err != nil {
				return nil, err
			}

			out := make([]ProblemSummary, 0, len(problems))
			for pid, p := range problems {
				s := ProblemSummary{
					ID:          pid,
					Title:       p.Title,
					Difficulty:  p.Difficulty,
					Submissions: p.Stats.Submissions,
					Accepted:    p.Stats.Accepted,
				}
				if s.Submissions > 0 {
					s.AcceptanceRate = float64(s.Accepted) / float64(s.Submissions)
				}
				out = append(out, s)
			}

			sort.Slice(out, func(i, j int) bool {
				if out[i].Title != out[j].Title {
					return out[i].Title < out[j].Title
				}
				return out[i].ID < out[j].ID
			})
			return out, nil
		},
	}
}

// SolutionSummary is one solution as seen by a viewer
type SolutionSummary struct {
	ID              string `json:"id"`
	Author          string `json:"author"`
	AuthorName      string `json:"author_name"`
	Language        string `json:"language"`
	CreatedAt       int64  `json:"created_at"`
	UpvoteCount     int64  `json:"upvote_count"`
	UpvotedByViewer bool   `json:"upvoted_by_viewer"`
}

// Solutions lists the solutions to a problem, most upvoted first and
// oldest first among equals
func Solutions(gid, pid, viewer string) Def[[]SolutionSummary] {
	return Def[[]SolutionSummary]{
		Name: ViewSolutions,
		Deps: []store.Path{SolutionsPath(gid, pid), UsersPath()},
		Compute: func(in view.Inputs) ([]SolutionSummary, error) {
			var (
				solutions map[string]Solution
				users     map[string]User
			)
			if err := in.Decode(0, &solutions); err != nil {
				return nil, err
			}
			if err := in.Decode(1, &users); err != nil {
				return nil, err
			}

			out := make([]SolutionSummary, 0, len(solutions))
			for sid, sol := range solutions {
				name := users[sol.Author].DisplayName
				if name == "" {
					name = sol.Author
				}
				out = append(out, SolutionSummary{
					ID:              sid,
					Author:          sol.Author,
					AuthorName:      name,
					Language:        sol.Language,
					CreatedAt:       sol.CreatedAt,
					UpvoteCount:     sol.UpvoteCount,
					UpvotedByViewer: viewer != "" && sol.Upvotes[viewer],
				})
			}

			sort.Slice(out, func(i, j int) bool {
				a, b := out[i], out[j]
				if a.UpvoteCount != b.UpvoteCount {
					return a.UpvoteCount > b.UpvoteCount
				}
				if a.CreatedAt != b.CreatedAt {
					return a.CreatedAt < b.CreatedAt
				}
				return a.ID < b.ID
			})
			return out, nil
		},
	}
}
