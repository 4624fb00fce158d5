package forum

import (
	"fmt"
	"strings"

	apperrors "github.com/zfogg/livecache/internal/errors"
	"github.com/zfogg/livecache/internal/store"
)

// Store layout:
//
//	users/{uid}
//	groups/{gid}/name
//	groups/{gid}/members/{uid}
//	groups/{gid}/scores/{uid}
//	groups/{gid}/solvedBy/{pid}/{uid}
//	groups/{gid}/problems/{pid}
//	groups/{gid}/solutions/{pid}/{sid}
const (
	usersRoot  = "users"
	groupsRoot = "groups"
)

// UsersPath holds every user profile
func UsersPath() store.Path {
	return store.Path(usersRoot)
}

// UserPath is the profile of one user
func UserPath(uid string) store.Path {
	return store.Join(usersRoot, uid)
}

// GroupPath is the root of a group
func GroupPath(gid string) store.Path {
	return store.Join(groupsRoot, gid)
}

// GroupNamePath holds the group's display name
func GroupNamePath(gid string) store.Path {
	return GroupPath(gid).Child("name")
}

// MembersPath maps member ids to their membership
func MembersPath(gid string) store.Path {
	return GroupPath(gid).Child("members")
}

// MemberPath is one membership record
func MemberPath(gid, uid string) store.Path {
	return MembersPath(gid).Child(uid)
}

// ScoresPath maps user ids to solved problem counts
func ScoresPath(gid string) store.Path {
	return GroupPath(gid).Child("scores")
}

// ScorePath is one user's solved count
func ScorePath(gid, uid string) store.Path {
	return ScoresPath(gid).Child(uid)
}

// SolvedByPath maps problem ids to the users who solved them
func SolvedByPath(gid string) store.Path {
	return GroupPath(gid).Child("solvedBy")
}

// SolvedPath is set once uid has an accepted submission for pid
func SolvedPath(gid, pid, uid string) store.Path {
	return SolvedByPath(gid).Child(pid, uid)
}

// ProblemsPath maps problem ids to problems
func ProblemsPath(gid string) store.Path {
	return GroupPath(gid).Child("problems")
}

// ProblemPath is one problem
func ProblemPath(gid, pid string) store.Path {
	return ProblemsPath(gid).Child(pid)
}

// SubmissionsPath counts every submission to a problem
func SubmissionsPath(gid, pid string) store.Path {
	return ProblemPath(gid, pid).Child("stats", "submissions")
}

// AcceptedPath counts accepted submissions to a problem
func AcceptedPath(gid, pid string) store.Path {
	return ProblemPath(gid, pid).Child("stats", "accepted")
}

// SolutionsPath maps solution ids to the solutions posted for a problem
func SolutionsPath(gid, pid string) store.Path {
	return GroupPath(gid).Child("solutions", pid)
}

// SolutionRef names one solution
type SolutionRef struct {
	GroupID    string
	ProblemID  string
	SolutionID string
}

// Validate checks that every id is a single path segment
func (r SolutionRef) Validate() error {
	if err := ValidateID("group", r.GroupID); err != nil {
		return err
	}
	if err := ValidateID("problem", r.ProblemID); err != nil {
		return err
	}
	return ValidateID("solution", r.SolutionID)
}

// Path is the solution node
func (r SolutionRef) Path() store.Path {
	return SolutionsPath(r.GroupID, r.ProblemID).Child(r.SolutionID)
}

// UpvotesPath maps user ids to upvote flags
func (r SolutionRef) UpvotesPath() store.Path {
	return r.Path().Child("upvotes")
}

// UpvotePath is uid's upvote flag
func (r SolutionRef) UpvotePath(uid string) store.Path {
	return r.UpvotesPath().Child(uid)
}

// CountPath is the denormalized upvote count
func (r SolutionRef) CountPath() store.Path {
	return r.Path().Child("upvoteCount")
}

func (r SolutionRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.GroupID, r.ProblemID, r.SolutionID)
}

// ValidateID rejects ids that are not exactly one valid path segment
func ValidateID(field, id string) error {
	if id == "" {
		return apperrors.ValidationError(field, field+" id is required")
	}
	if strings.Contains(id, "/") {
		return apperrors.ValidationError(field, field+" id must not contain '/'")
	}
	if err := store.Path(id).Validate(); err != nil {
		return apperrors.ValidationError(field, err.Error())
	}
	return nil
}
