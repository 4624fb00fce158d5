package store

import (
	"fmt"
	"strings"

	apperrors "github.com/zfogg/livecache/internal/errors"
)

// Path is a slash-separated location in the hierarchical store, e.g.
// "groups/g1/members". The empty path is the root.
type Path string

// Root is the top of the hierarchy
const Root Path = ""

const forbiddenSegmentChars = ".#$[]*?"

// ParsePath trims surrounding slashes and validates every segment
func ParsePath(s string) (Path, error) {
	p := Path(strings.Trim(s, "/"))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// MustPath is ParsePath for literals; it panics on invalid input
func MustPath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Join builds a path from raw segments. The result is not validated.
func Join(segments ...string) Path {
	return Path(strings.Join(segments, "/"))
}

// Validate reports an INVALID_PATH error for empty or illegal segments
func (p Path) Validate() error {
	if p == Root {
		return nil
	}
	for _, seg := range strings.Split(string(p), "/") {
		if seg == "" {
			return apperrors.New(apperrors.ErrInvalidPath, fmt.Sprintf("empty segment in %q", string(p)))
		}
		if strings.ContainsAny(seg, forbiddenSegmentChars) {
			return apperrors.New(apperrors.ErrInvalidPath, fmt.Sprintf("segment %q in %q contains one of %q", seg, string(p), forbiddenSegmentChars))
		}
	}
	return nil
}

// Segments splits the path; the root has none
func (p Path) Segments() []string {
	if p == Root {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Child appends segments
func (p Path) Child(segments ...string) Path {
	if len(segments) == 0 {
		return p
	}
	if p == Root {
		return Join(segments...)
	}
	return Path(string(p) + "/" + strings.Join(segments, "/"))
}

// Parent returns the enclosing path; the root has no parent
func (p Path) Parent() (Path, bool) {
	if p == Root {
		return Root, false
	}
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return Root, true
	}
	return p[:i], true
}

// Key is the last segment
func (p Path) Key() string {
	i := strings.LastIndexByte(string(p), '/')
	return string(p[i+1:])
}

// Contains reports whether other is p or lies below p
func (p Path) Contains(other Path) bool {
	if p == Root || p == other {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+"/")
}

// Related reports whether a change at one path can change the value at the other
func (p Path) Related(other Path) bool {
	return p.Contains(other) || other.Contains(p)
}

// String implements fmt.Stringer
func (p Path) String() string {
	if p == Root {
		return "/"
	}
	return string(p)
}
