// Package episodic implements namespace path encoding and the pluggable
// policy engine (authorization, attribute extraction, filter injection) for
// the namespaced episodic memory system.
package episodic

import (
	"fmt"
	"net/url"
	"strings"
)

// segmentSep is the byte joining encoded namespace segments in storage.
// ASCII Record Separator: percent-encoding every segment guarantees none of
// them can ever contain it, so it is a safe, unambiguous delimiter for both
// exact-match and prefix-range queries.
const segmentSep = "\x1e"

// EncodeNamespace flattens a namespace path into its storage form: each
// segment percent-escaped, then joined by segmentSep. maxDepth <= 0 means
// unbounded.
func EncodeNamespace(segments []string, maxDepth int) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("namespace requires at least one segment")
	}
	if maxDepth > 0 && len(segments) > maxDepth {
		return "", fmt.Errorf("namespace has %d segments, limit is %d", len(segments), maxDepth)
	}
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("namespace segment %d must not be empty", i)
		}
		escaped[i] = url.PathEscape(seg)
	}
	return strings.Join(escaped, segmentSep), nil
}

// DecodeNamespace is the inverse of EncodeNamespace.
func DecodeNamespace(encoded string) ([]string, error) {
	if encoded == "" {
		return nil, fmt.Errorf("cannot decode an empty namespace")
	}
	parts := strings.Split(encoded, segmentSep)
	segments := make([]string, len(parts))
	for i, part := range parts {
		seg, err := url.PathUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("namespace segment %d (%q) is not valid: %w", i, part, err)
		}
		segments[i] = seg
	}
	return segments, nil
}

// NamespaceDepth counts the segments in an already-encoded namespace
// without fully decoding it.
func NamespaceDepth(encoded string) int {
	return strings.Count(encoded, segmentSep) + 1
}

// NamespaceHasPrefix reports whether encoded is prefixEncoded itself, or a
// descendant of it (prefixEncoded followed by a full extra segment).
func NamespaceHasPrefix(encoded, prefixEncoded string) bool {
	if encoded == prefixEncoded {
		return true
	}
	return strings.HasPrefix(encoded, prefixEncoded+segmentSep)
}

// NamespaceMatchesExact reports whether two already-encoded namespaces are
// the same path.
func NamespaceMatchesExact(encoded, prefixEncoded string) bool {
	return encoded == prefixEncoded
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// NamespacePrefixPattern builds a SQL LIKE pattern matching every
// descendant of prefixEncoded (but not prefixEncoded itself — callers
// needing an inclusive match OR this against an exact-equality clause, as
// the store layer does). LIKE metacharacters in the prefix are escaped
// first so a namespace segment containing "%" or "_" can't widen the scan.
func NamespacePrefixPattern(prefixEncoded string) string {
	return likeEscaper.Replace(prefixEncoded) + segmentSep + "%"
}

// NamespaceTruncate keeps only the first depth segments of an encoded
// namespace. If the namespace is already that shallow or shallower, it is
// returned unchanged.
func NamespaceTruncate(encoded string, depth int) string {
	if depth <= 0 {
		return encoded
	}
	parts := strings.SplitN(encoded, segmentSep, depth+1)
	if len(parts) <= depth {
		return encoded
	}
	return strings.Join(parts[:depth], segmentSep)
}

// MatchesSuffix reports whether the decoded namespace's final len(suffix)
// segments equal suffix element-for-element. An empty suffix always
// matches.
func MatchesSuffix(encoded string, suffix []string) bool {
	if len(suffix) == 0 {
		return true
	}
	segments, err := DecodeNamespace(encoded)
	if err != nil || len(segments) < len(suffix) {
		return false
	}
	tail := segments[len(segments)-len(suffix):]
	for i, want := range suffix {
		if tail[i] != want {
			return false
		}
	}
	return true
}
