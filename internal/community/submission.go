package community

import (
	"strings"
)

// Submission is a parsed answer.
type Submission struct {
	// CommunityID is set from the "#<id>" suffix for unscoped submissions.
	CommunityID string
	Name        string
	Flag        string
}

// ParseSubmission parses "<challenge name>:<flag>", suffixed with
// "#<community id>" unless scoped is true. The name is split at the first
// colon and the community id at the last '#', so flags may contain either.
// Surrounding whitespace is trimmed from the flag; the name is matched
// whitespace-insensitively later.
func ParseSubmission(text string, scoped bool) (Submission, error) {
	var sub Submission
	answer := strings.TrimSpace(text)

	if !scoped {
		i := strings.LastIndex(answer, "#")
		if i < 0 {
			return Submission{}, &FormatError{Input: text, Reason: "missing #community id", Scoped: scoped}
		}
		sub.CommunityID = strings.TrimSpace(answer[i+1:])
		answer = answer[:i]
		if sub.CommunityID == "" {
			return Submission{}, &FormatError{Input: text, Reason: "empty community id", Scoped: scoped}
		}
	}

	name, flag, ok := strings.Cut(answer, ":")
	if !ok {
		return Submission{}, &FormatError{Input: text, Reason: "missing ':' between name and flag", Scoped: scoped}
	}
	sub.Name = strings.TrimSpace(name)
	sub.Flag = strings.TrimSpace(flag)
	if sub.Name == "" {
		return Submission{}, &FormatError{Input: text, Reason: "empty challenge name", Scoped: scoped}
	}
	if sub.Flag == "" {
		return Submission{}, &FormatError{Input: text, Reason: "empty flag", Scoped: scoped}
	}
	return sub, nil
}
