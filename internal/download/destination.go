package download

import (
	"path/filepath"
	"strings"
)

// rootMarkerPrefix starts a peer-side share-root component such as
// "@@root" or "@@music"; it and everything before it are dropped.
const rootMarkerPrefix = "@@"

// Destination computes the on-disk path for a peer-supplied SoulSeek path
// under root/username, sanitizing every path component so the result can
// never escape root (spec §4.4 "Destination path", §8 "Destination
// sanitization").
func Destination(root, username, peerPath string) string {
	components := strings.Split(peerPath, `\`)

	if idx := indexOfPrefix(components, rootMarkerPrefix); idx >= 0 {
		components = components[idx+1:]
	}

	clean := make([]string, 0, len(components))
	for _, c := range components {
		clean = append(clean, sanitizeComponent(c))
	}
	if len(clean) == 0 {
		clean = []string{"unnamed"}
	}

	parts := append([]string{root, sanitizeComponent(username)}, clean...)
	return filepath.Join(parts...)
}

func indexOfPrefix(ss []string, prefix string) int {
	for i, s := range ss {
		if strings.HasPrefix(s, prefix) {
			return i
		}
	}
	return -1
}

// sanitizeComponent strips characters that could be used to escape the
// download root or confuse the filesystem, and falls back to a
// placeholder for an empty result.
func sanitizeComponent(c string) string {
	c = strings.TrimSpace(c)
	c = strings.TrimLeft(c, ".")

	var b strings.Builder
	for _, r := range c {
		switch r {
		case ':', '/', 0:
			continue
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "unnamed"
	}
	return out
}
