// Package seed fills a live store with a believable practice forum: users,
// groups, problems, solutions, upvotes and submissions. Everything goes
// through forum.Service so counts and scores stay consistent.
package seed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/zfogg/livecache/internal/forum"
	"github.com/zfogg/livecache/internal/logger"
	"go.uber.org/zap"
)

// Options sizes the generated data
type Options struct {
	Users     int
	Groups    int
	Problems  int // per group
	Solutions int // per problem, at most
	// Submissions per member per group
	Submissions int
	// Seed makes runs reproducible; zero seeds from the clock
	Seed int64
}

// DefaultOptions returns a small dataset for development
func DefaultOptions() Options {
	return Options{
		Users:       20,
		Groups:      2,
		Problems:    5,
		Solutions:   3,
		Submissions: 4,
	}
}

// Summary counts what a run wrote
type Summary struct {
	Users       int `json:"users"`
	Groups      int `json:"groups"`
	Members     int `json:"members"`
	Problems    int `json:"problems"`
	Solutions   int `json:"solutions"`
	Upvotes     int `json:"upvotes"`
	Submissions int `json:"submissions"`
}

// Seeder handles forum seeding operations
type Seeder struct {
	svc *forum.Service
}

// NewSeeder creates a new seeder instance
func NewSeeder(svc *forum.Service) *Seeder {
	return &Seeder{svc: svc}
}

var (
	difficulties = []string{"easy", "medium", "hard"}
	languages    = []string{"go", "python", "rust", "cpp", "java", "typescript"}
)

// Seed writes a dataset sized by opts
func (s *Seeder) Seed(ctx context.Context, opts Options) (Summary, error) {
	var sum Summary
	if opts.Users <= 0 || opts.Groups <= 0 {
		return sum, fmt.Errorf("seed needs at least one user and one group")
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	_ = gofakeit.Seed(seed)

	logger.Log.Info("Creating users...", zap.Int("count", opts.Users))
	users := make([]string, 0, opts.Users)
	for i := 1; i <= opts.Users; i++ {
		uid := fmt.Sprintf("u%03d", i)
		if err := s.svc.PutUser(ctx, uid, forum.User{
			DisplayName: gofakeit.Name(),
			Handle:      strings.ToLower(gofakeit.Username()),
		}); err != nil {
			return sum, fmt.Errorf("failed to seed user %s: %w", uid, err)
		}
		users = append(users, uid)
	}
	sum.Users = len(users)

	for g := 1; g <= opts.Groups; g++ {
		gid := fmt.Sprintf("g%d", g)
		if err := s.seedGroup(ctx, gid, users, opts, &sum); err != nil {
			return sum, fmt.Errorf("failed to seed group %s: %w", gid, err)
		}
		sum.Groups++
	}

	logger.Log.Info("Seeding complete",
		zap.Int("users", sum.Users),
		zap.Int("groups", sum.Groups),
		zap.Int("solutions", sum.Solutions),
		zap.Int("upvotes", sum.Upvotes),
		zap.Int("submissions", sum.Submissions),
	)
	return sum, nil
}

func (s *Seeder) seedGroup(ctx context.Context, gid string, users []string, opts Options, sum *Summary) error {
	owner := users[gofakeit.IntRange(0, len(users)-1)]
	name := fmt.Sprintf("%s %s", titleCase(gofakeit.Word()), titleCase(gofakeit.Word()))
	if err := s.svc.CreateGroup(ctx, gid, name, owner); err != nil {
		return err
	}
	sum.Members++

	members := []string{owner}
	for _, uid := range users {
		if uid == owner || !gofakeit.Bool() {
			continue
		}
		joined, err := s.svc.JoinGroup(ctx, gid, uid, forum.RoleMember)
		if err != nil {
			return err
		}
		if joined {
			members = append(members, uid)
			sum.Members++
		}
	}

	problems := make([]string, 0, opts.Problems)
	for p := 1; p <= opts.Problems; p++ {
		pid := fmt.Sprintf("p%d", p)
		if err := s.svc.PutProblem(ctx, gid, pid, forum.Problem{
			Title:      titleCase(gofakeit.HipsterSentence()),
			Difficulty: gofakeit.RandomString(difficulties),
		}); err != nil {
			return err
		}
		problems = append(problems, pid)
		sum.Problems++

		if err := s.seedSolutions(ctx, gid, pid, members, opts, sum); err != nil {
			return err
		}
	}

	logger.Log.Info("Recording submissions...", zap.String("group_id", gid), zap.Int("members", len(members)))
	for _, uid := range members {
		for i := 0; i < opts.Submissions && len(problems) > 0; i++ {
			pid := problems[gofakeit.IntRange(0, len(problems)-1)]
			if _, err := s.svc.RecordSubmission(ctx, gid, pid, uid, gofakeit.Bool()); err != nil {
				return err
			}
			sum.Submissions++
		}
	}
	return nil
}

func (s *Seeder) seedSolutions(ctx context.Context, gid, pid string, members []string, opts Options, sum *Summary) error {
	n := 0
	if opts.Solutions > 0 {
		n = gofakeit.IntRange(1, opts.Solutions)
	}
	for i := 1; i <= n; i++ {
		ref := forum.SolutionRef{GroupID: gid, ProblemID: pid, SolutionID: fmt.Sprintf("s%d", i)}
		created := gofakeit.DateRange(time.Now().AddDate(0, 0, -30), time.Now())
		if err := s.svc.PostSolution(ctx, ref, forum.Solution{
			Author:    members[gofakeit.IntRange(0, len(members)-1)],
			Language:  gofakeit.RandomString(languages),
			CreatedAt: created.UnixMilli(),
		}); err != nil {
			return err
		}
		sum.Solutions++

		for _, uid := range members {
			if gofakeit.IntRange(0, 2) != 0 {
				continue
			}
			if _, err := s.svc.ToggleUpvote(ctx, ref, uid); err != nil {
				return err
			}
			sum.Upvotes++
		}
	}
	return nil
}

func titleCase(s string) string {
	s = strings.TrimRight(s, ".")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
