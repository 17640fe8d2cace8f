// Package gitref parses and validates commit-pinned GitHub URLs. Branch-tip
// URLs are rejected outright: the commit hash is the immutable unit of
// evaluation and the only stable cache key.
package gitref

import (
	"regexp"
	"strings"

	"github.com/repograde/repograde/internal/evalerr"
)

// CommitRef identifies an immutable repository snapshot.
type CommitRef struct {
	Owner string
	Repo  string
	Hash  string
}

// String renders the reference as owner/repo@hash.
func (r CommitRef) String() string {
	return r.Owner + "/" + r.Repo + "@" + r.Hash
}

// URL reconstructs the canonical commit URL.
func (r CommitRef) URL() string {
	return "https://github.com/" + r.Owner + "/" + r.Repo + "/commit/" + r.Hash
}

var commitURLRe = regexp.MustCompile(`^https://github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/commit/([a-f0-9]{7,40})/?$`)

var blockedSchemes = []string{"javascript:", "data:", "vbscript:"}

// Sanitize strips surrounding whitespace, quotes, and angle brackets from a
// pasted URL and rejects script-scheme payloads.
func Sanitize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"'<>")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", evalerr.New(evalerr.InvalidInput, "commit URL is empty")
	}
	low := strings.ToLower(s)
	for _, scheme := range blockedSchemes {
		if strings.HasPrefix(low, scheme) {
			return "", evalerr.New(evalerr.InvalidInput, "commit URL uses a forbidden scheme")
		}
	}
	return s, nil
}

// ParseCommitURL sanitizes and validates a commit URL. Only
// https://github.com/{owner}/{repo}/commit/{hash} with a 7-40 character
// lowercase hex hash is accepted.
func ParseCommitURL(raw string) (CommitRef, error) {
	s, err := Sanitize(raw)
	if err != nil {
		return CommitRef{}, err
	}
	m := commitURLRe.FindStringSubmatch(s)
	if m == nil {
		return CommitRef{}, evalerr.New(evalerr.InvalidInput,
			"commit URL must pin a commit: https://github.com/{owner}/{repo}/commit/{hash}")
	}
	return CommitRef{Owner: m[1], Repo: m[2], Hash: m[3]}, nil
}
