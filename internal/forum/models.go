package forum

import (
	"fmt"
	"strings"
)

// User is a profile under users/{uid}
type User struct {
	DisplayName string `json:"displayName"`
	Handle      string `json:"handle"`
}

// Member is a membership record under groups/{gid}/members/{uid}
type Member struct {
	Role     string `json:"role"`
	JoinedAt int64  `json:"joinedAt"` // unix millis
}

// Member roles
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// ProblemStats counts submissions to a problem
type ProblemStats struct {
	Submissions int64 `json:"submissions"`
	Accepted    int64 `json:"accepted"`
}

// Problem is stored under groups/{gid}/problems/{pid}
type Problem struct {
	Title      string       `json:"title"`
	Difficulty string       `json:"difficulty"` // "easy", "medium", "hard"
	Stats      ProblemStats `json:"stats"`
}

// Solution is stored under groups/{gid}/solutions/{pid}/{sid}
type Solution struct {
	Author      string          `json:"author"`
	Language    string          `json:"language"`
	CreatedAt   int64           `json:"createdAt"` // unix millis
	UpvoteCount int64           `json:"upvoteCount"`
	Upvotes     map[string]bool `json:"upvotes,omitempty"`
}

// UpvoteMode selects how ToggleUpvote writes the flag and the count
type UpvoteMode string

const (
	// ModeTwoPhase toggles the flag, then adjusts the count in a second
	// transaction. An interruption between the two leaves the count off by
	// one until Reconcile runs.
	ModeTwoPhase UpvoteMode = "two_phase"
	// ModeAtomic rewrites the whole solution node in one transaction
	ModeAtomic UpvoteMode = "atomic"
)

// ParseUpvoteMode accepts "two_phase" and "atomic"; empty means two_phase
func ParseUpvoteMode(s string) (UpvoteMode, error) {
	switch UpvoteMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeTwoPhase:
		return ModeTwoPhase, nil
	case ModeAtomic:
		return ModeAtomic, nil
	}
	return "", fmt.Errorf("unknown upvote mode %q (want %s or %s)", s, ModeTwoPhase, ModeAtomic)
}

// UpvoteResult is the state after a toggle
type UpvoteResult struct {
	Upvoted bool  `json:"upvoted"`
	Count   int64 `json:"upvote_count"`
}

// SubmissionResult is the state after a recorded submission
type SubmissionResult struct {
	Submissions int64 `json:"submissions"`
	Accepted    int64 `json:"accepted"`
	FirstSolve  bool  `json:"first_solve"`
	Score       int64 `json:"score"`
}
