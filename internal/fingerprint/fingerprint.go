// Package fingerprint derives a stable RepoSignature from a repository file
// listing. The signature is the cache key of the strategy store, so every
// derivation here must be deterministic across processes and platforms:
// inputs are sorted, and the pattern hash is a fixed 64-bit digest with a
// zero seed.
package fingerprint

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/repograde/repograde/internal/evalerr"
	"github.com/zeebo/xxh3"
)

// Size categories by key-file pattern count.
const (
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
)

// skeletonMaxDepth bounds the directory set entering the signature and the
// pattern hash.
const skeletonMaxDepth = 3

// ErrInputTooLarge is returned when a listing exceeds the configured cap.
var ErrInputTooLarge = errors.New("listing exceeds the maximum file count")

// RepoSignature is the derived fingerprint of a repository's shape.
type RepoSignature struct {
	CourseID           string
	PatternHash        string
	Technologies       []string
	DirectoryStructure []string
	FileTypes          map[string]int
	SizeCategory       string
}

// ID returns the deterministic row id for this signature.
func (s RepoSignature) ID() string {
	return "sig_" + fmt.Sprintf("%016x", xxh3.HashString(s.canonical()))
}

// canonical serializes every feature in sorted order so equal signatures
// always produce equal ids.
func (s RepoSignature) canonical() string {
	exts := make([]string, 0, len(s.FileTypes))
	for ext, n := range s.FileTypes {
		exts = append(exts, fmt.Sprintf("%s=%d", ext, n))
	}
	sort.Strings(exts)

	var b strings.Builder
	b.WriteString(s.CourseID)
	b.WriteByte(0)
	b.WriteString(s.PatternHash)
	b.WriteByte(0)
	b.WriteString(strings.Join(s.Technologies, ","))
	b.WriteByte(0)
	b.WriteString(strings.Join(s.DirectoryStructure, ","))
	b.WriteByte(0)
	b.WriteString(strings.Join(exts, ","))
	b.WriteByte(0)
	b.WriteString(s.SizeCategory)
	return b.String()
}

// BuildSignature fingerprints a filtered file listing for a course.
// maxListing caps the accepted listing size; zero disables the cap. The
// result is identical for any permutation of the listing.
func BuildSignature(courseID string, listing []string, maxListing int) (RepoSignature, error) {
	if maxListing > 0 && len(listing) > maxListing {
		return RepoSignature{}, evalerr.Wrap(evalerr.InvalidInput,
			fmt.Sprintf("repository has %d files, cap is %d", len(listing), maxListing), ErrInputTooLarge)
	}

	norm := make([]string, 0, len(listing))
	for _, p := range listing {
		np, err := normalizePath(p)
		if err != nil {
			return RepoSignature{}, err
		}
		if np == "" {
			continue
		}
		norm = append(norm, np)
	}

	sig := RepoSignature{
		CourseID:           courseID,
		DirectoryStructure: directorySet(norm, skeletonMaxDepth),
		Technologies:       inferTechnologies(norm),
		FileTypes:          extensionCounts(norm),
	}

	keyFiles := 0
	basenames := make(map[string]struct{})
	for _, p := range norm {
		if !isKeyFile(p) {
			continue
		}
		keyFiles++
		basenames[strings.ToLower(path.Base(p))] = struct{}{}
	}
	sig.SizeCategory = sizeCategory(keyFiles)

	keyBasenames := make([]string, 0, len(basenames))
	for b := range basenames {
		keyBasenames = append(keyBasenames, b)
	}
	sort.Strings(keyBasenames)

	sig.PatternHash = patternHash(courseID, keyBasenames, sig.DirectoryStructure)
	return sig, nil
}

// patternHash digests courseId, key-file basenames, and the directory
// skeleton with a zero-seeded 64-bit hash, hex-encoded to 16 characters.
// Repositories with the same skeleton collide on purpose.
func patternHash(courseID string, keyBasenames, skeleton []string) string {
	var b strings.Builder
	b.WriteString(courseID)
	b.WriteByte(0)
	b.WriteString(strings.Join(keyBasenames, ","))
	b.WriteByte(0)
	b.WriteString(strings.Join(skeleton, ","))
	return fmt.Sprintf("%016x", xxh3.HashString(b.String()))
}

// normalizePath collapses duplicate slashes, strips a leading ./ or /, and
// lowercases the extension. Paths that escape the repository root are
// rejected.
func normalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", nil
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", evalerr.Errorf(evalerr.InvalidInput, "path %q escapes the repository root", p)
		}
	}
	if ext := path.Ext(p); ext != "" && ext != strings.ToLower(ext) {
		p = strings.TrimSuffix(p, ext) + strings.ToLower(ext)
	}
	return p, nil
}

// directorySet returns every proper prefix directory of every path, up to
// maxDepth segments, deduplicated and sorted.
func directorySet(paths []string, maxDepth int) []string {
	set := make(map[string]struct{})
	for _, p := range paths {
		segs := strings.Split(p, "/")
		for i := 1; i < len(segs); i++ {
			if i > maxDepth {
				break
			}
			set[strings.Join(segs[:i], "/")] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// extensionCounts builds the multiset of lowercased extensions.
func extensionCounts(paths []string) map[string]int {
	counts := make(map[string]int)
	for _, p := range paths {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
		if ext == "" {
			continue
		}
		counts[ext]++
	}
	return counts
}

func sizeCategory(keyFiles int) string {
	switch {
	case keyFiles < 10:
		return SizeSmall
	case keyFiles < 25:
		return SizeMedium
	default:
		return SizeLarge
	}
}
