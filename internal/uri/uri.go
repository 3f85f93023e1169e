// Package uri converts between filesystem paths and the file:// DocumentUri
// values carried on the wire. It never resolves symlinks: the caller decides
// when that matters (see internal/applier, which resolves explicitly before
// writing).
package uri

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/codebridge-dev/codebridge/internal/protocol"
)

const fileScheme = "file"

// FromPath converts an absolute or relative filesystem path into a
// DocumentUri. Relative paths are made absolute first; the empty path maps
// to the empty URI.
func FromPath(path string) protocol.DocumentUri {
	if path == "" {
		return ""
	}
	if !isWindowsDrivePath(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	if isWindowsDrivePath(path) {
		path = "/" + strings.ToUpper(string(path[0])) + path[1:]
	}
	path = filepath.ToSlash(path)
	u := url.URL{Scheme: fileScheme, Path: path}
	return protocol.DocumentUri(u.String())
}

// ToPath returns the filesystem path for a DocumentUri. It returns an error
// instead of panicking so callers at the protocol boundary can turn a
// malformed URI into a bridgeerr.KindInvalidParams error instead of crashing.
func ToPath(u protocol.DocumentUri) (string, error) {
	name, err := filename(u)
	if err != nil {
		return "", err
	}
	return filepath.FromSlash(name), nil
}

// MustToPath is ToPath for call sites that have already validated the URI
// (e.g. one this process minted itself via FromPath).
func MustToPath(u protocol.DocumentUri) string {
	p, err := ToPath(u)
	if err != nil {
		panic(err)
	}
	return p
}

func filename(u protocol.DocumentUri) (string, error) {
	if u == "" {
		return "", nil
	}
	s := string(u)

	if strings.HasPrefix(s, "file:///") {
		rest := s[len("file://"):]
		for i := 0; i < len(rest); i++ {
			b := rest[i]
			if b < ' ' || b == 0x7f || b == '%' || b == '+' || b == ':' || b == '@' || b == '&' || b == '?' {
				goto slow
			}
		}
		return rest, nil
	}
slow:

	parsed, err := url.ParseRequestURI(s)
	if err != nil {
		return "", fmt.Errorf("uri: invalid document uri %q: %w", u, err)
	}
	if parsed.Scheme != fileScheme {
		return "", fmt.Errorf("uri: only file:// uris are supported, got scheme %q from %q", parsed.Scheme, u)
	}
	if isWindowsDriveURIPath(parsed.Path) {
		parsed.Path = strings.ToUpper(string(parsed.Path[1])) + parsed.Path[2:]
	}
	return parsed.Path, nil
}

// Normalize re-encodes a DocumentUri through ParseDocumentURI-equivalent
// rules, correcting the double-slash and over-escaping quirks some clients
// send (see the LSP spec's note on drive-letter encoding).
func Normalize(u protocol.DocumentUri) (protocol.DocumentUri, error) {
	s := string(u)
	if s == "" {
		return "", nil
	}
	if !strings.HasPrefix(s, "file://") {
		return "", fmt.Errorf("uri: scheme is not 'file': %s", s)
	}
	if !strings.HasPrefix(s, "file:///") {
		s = "file:///" + s[len("file://"):]
	}
	path, err := url.PathUnescape(s[len("file://"):])
	if err != nil {
		return "", err
	}
	if isWindowsDriveURIPath(path) {
		path = path[:1] + strings.ToUpper(string(path[1])) + path[2:]
	}
	parsed := url.URL{Scheme: fileScheme, Path: path}
	return protocol.DocumentUri(parsed.String()), nil
}

func isWindowsDrivePath(path string) bool {
	if len(path) < 3 {
		return false
	}
	return unicode.IsLetter(rune(path[0])) && path[1] == ':'
}

func isWindowsDriveURIPath(p string) bool {
	if len(p) < 4 {
		return false
	}
	return p[0] == '/' && unicode.IsLetter(rune(p[1])) && p[2] == ':'
}
