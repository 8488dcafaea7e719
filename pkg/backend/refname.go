package backend

import "strings"

const (
	headsPrefix   = "refs/heads/"
	remotesPrefix = "refs/remotes/"
	tagsPrefix    = "refs/tags/"
)

// ClassifyRef maps a full reference name to its type. Symbolic remote HEADs
// and names outside the three namespaces are rejected.
func ClassifyRef(name string) (RefType, bool) {
	switch {
	case strings.HasPrefix(name, headsPrefix):
		return RefHead, true
	case strings.HasPrefix(name, remotesPrefix):
		if strings.HasSuffix(name, "/HEAD") {
			return "", false
		}

		return RefBranch, true
	case strings.HasPrefix(name, tagsPrefix):
		return RefTag, true
	default:
		return "", false
	}
}

// ShortName strips the namespace prefix from a full reference name.
func ShortName(name string) string {
	for _, prefix := range []string{headsPrefix, remotesPrefix, tagsPrefix} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}

	return name
}
