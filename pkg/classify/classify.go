package classify

import (
	"strings"
)

// Access is the requested access mask of an operation.
type Access uint32

const (
	AccessReadData     Access = 0x00000001
	AccessWriteData    Access = 0x00000002
	AccessAppendData   Access = 0x00000004
	AccessGenericAll   Access = 0x10000000
	AccessGenericWrite Access = 0x40000000
	AccessGenericRead  Access = 0x80000000

	writeMask = AccessWriteData | AccessAppendData | AccessGenericWrite | AccessGenericAll
)

// Writes reports whether the mask requests any write-class access.
func (a Access) Writes() bool {
	return a&writeMask != 0
}

// Kind is the operation kind reported by the substrate.
type Kind string

const (
	KindCreate Kind = "create"
	KindWrite  Kind = "write"
	KindRename Kind = "rename"
	KindDelete Kind = "delete"
)

type Verdict int

const (
	Ignore Verdict = iota
	ArbitrateNow
)

func (v Verdict) String() string {
	if v == ArbitrateNow {
		return "ARBITRATE"
	}
	return "IGNORE"
}

// Request describes an intercepted operation as seen by the classifier.
// Extension is derived from Path when empty.
type Request struct {
	Path       string
	Extension  string
	Access     Access
	Kind       Kind
	Directory  bool
	Privileged bool
}

var installerExtensions = map[string]struct{}{
	"exe":  {},
	"msi":  {},
	"appx": {},
	"msix": {},
}

// Classify returns ArbitrateNow for unprivileged write-class access to a
// non-directory installer file, and for any rename onto an installer name
// whatever the access mask. Deletes are always ignored so installer artifacts
// can be cleaned up.
func Classify(req Request) Verdict {
	if req.Privileged || req.Directory {
		return Ignore
	}
	if req.Kind == KindDelete {
		return Ignore
	}
	if req.Kind != KindRename && !req.Access.Writes() {
		return Ignore
	}
	ext := req.Extension
	if ext == "" {
		ext = ExtensionOf(req.Path)
	}
	if !IsInstallerExtension(ext) {
		return Ignore
	}
	return ArbitrateNow
}

// IsInstallerExtension matches case-insensitively; a leading dot is allowed.
func IsInstallerExtension(ext string) bool {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return false
	}
	_, ok := installerExtensions[strings.ToLower(ext)]
	return ok
}

// ExtensionOf returns the extension of the last path element, without the
// dot. Both slash styles are treated as separators.
func ExtensionOf(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		path = path[i+1:]
	}
	i := strings.LastIndexByte(path, '.')
	if i < 0 || i == len(path)-1 {
		return ""
	}
	return path[i+1:]
}

// ParseAccess builds a mask from symbolic names. Unknown names are ignored.
func ParseAccess(names []string) Access {
	var a Access
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "read":
			a |= AccessReadData
		case "write":
			a |= AccessWriteData
		case "append":
			a |= AccessAppendData
		case "generic_read":
			a |= AccessGenericRead
		case "generic_write":
			a |= AccessGenericWrite
		case "generic_all":
			a |= AccessGenericAll
		}
	}
	return a
}

// ParseKind maps a substrate kind name; empty or unknown names are treated as
// writes.
func ParseKind(s string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindCreate:
		return KindCreate
	case KindRename:
		return KindRename
	case KindDelete:
		return KindDelete
	default:
		return KindWrite
	}
}
