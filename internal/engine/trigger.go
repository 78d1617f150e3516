package engine

import (
	"regexp"

	"github.com/ehrlich-b/littleci/internal/storage"
)

var (
	headRefPattern = regexp.MustCompile(`^refs/heads/(.+)`)
	tagRefPattern  = regexp.MustCompile(`^refs/tags/(.+)`)
)

// ReferenceKind tags which half of GitReference is populated.
type ReferenceKind int

const (
	ReferenceHead ReferenceKind = iota
	ReferenceTag
)

// GitReference is a parsed provider ref, either a branch head or a tag.
type GitReference struct {
	Kind   ReferenceKind
	Branch string // valid when Kind == ReferenceHead
	Tag    string // valid when Kind == ReferenceTag
}

// ParseGitReference parses a full ref string such as "refs/heads/master" or
// "refs/tags/v1.0.0". It reports false if ref matches neither form.
func ParseGitReference(ref string) (GitReference, bool) {
	if m := headRefPattern.FindStringSubmatch(ref); m != nil {
		return GitReference{Kind: ReferenceHead, Branch: m[1]}, true
	}
	if m := tagRefPattern.FindStringSubmatch(ref); m != nil {
		return GitReference{Kind: ReferenceTag, Tag: m[1]}, true
	}
	return GitReference{}, false
}

// GitPayload is a provider webhook body, parsed down to the reference the
// trigger matcher needs plus the before/after commits the executed job's
// environment carries through.
type GitPayload struct {
	Reference GitReference
	Before    string
	After     string
}

// ShouldEnqueue runs the trigger matcher: it reports true the moment a rule
// in triggers matches payload, short-circuiting on the first hit. A nil or
// empty trigger list matches nothing.
func ShouldEnqueue(triggers []storage.Trigger, payload GitPayload) bool {
	for _, t := range triggers {
		if triggerMatches(t, payload) {
			return true
		}
	}
	return false
}

func triggerMatches(t storage.Trigger, payload GitPayload) bool {
	switch t.Kind {
	case storage.TriggerAny:
		return true
	case storage.TriggerGitAny:
		return true
	case storage.TriggerGitTag:
		return payload.Reference.Kind == ReferenceTag
	case storage.TriggerGitHead:
		if payload.Reference.Kind != ReferenceHead {
			return false
		}
		for _, ref := range t.Refs {
			if ref == payload.Reference.Branch {
				return true
			}
		}
		return false
	default:
		return false
	}
}
