// Package archsafe provides the security primitives for handling untrusted
// archives: container signature checks, upload size ceilings, path traversal
// guards resolved against the extraction root, entry name sanitization, and
// subprocess argument/environment validation.
//
// Everything here is a pure check: no I/O, no side effects. Callers decide
// what to do with a rejection; archsafe only decides whether input is safe.
package archsafe

import (
	"bytes"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// zipSignatures are the recognized ZIP container magic numbers: local file
// header, end of central directory (empty archive), and spanned archive.
var zipSignatures = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
	{'P', 'K', 0x07, 0x08},
}

const (
	// MaxSegmentLen caps a single path segment inside an archive.
	MaxSegmentLen = 255

	// MaxArgLen caps a single subprocess argument or environment value.
	MaxArgLen = 4096
)

// shellMetachars are rejected in subprocess arguments. The tool is invoked
// without a shell, so none of these have a legitimate use in an argv element.
const shellMetachars = ";&|`$()<>\n\r"

// CheckSignature verifies that head begins with a recognized ZIP signature.
// head should be the first bytes of the upload (at least 4).
func CheckSignature(head []byte) error {
	if len(head) == 0 {
		return &ValidationError{Reason: ReasonBadSignature, Detail: "empty file"}
	}
	for _, sig := range zipSignatures {
		if bytes.HasPrefix(head, sig) {
			return nil
		}
	}
	return &ValidationError{
		Reason: ReasonBadSignature,
		Detail: fmt.Sprintf("not a ZIP archive (header %x)", head[:min(len(head), 8)]),
	}
}

// IsArchive reports whether head looks like a ZIP container. Used by the
// extractor for nested-archive detection; unlike CheckSignature it only
// matches the local-file-header form, since a nested archive that cannot be
// opened is not an evasion vector.
func IsArchive(head []byte) bool {
	return bytes.HasPrefix(head, zipSignatures[0])
}

// CheckUploadSize validates declared and actual sizes against max (bytes).
// A declared size of -1 means the client did not send Content-Length.
func CheckUploadSize(declared, actual, max int64) error {
	if declared > max {
		return &ValidationError{
			Reason: ReasonOversize,
			Detail: fmt.Sprintf("declared size %d exceeds limit %d", declared, max),
		}
	}
	if actual > max {
		return &ValidationError{
			Reason: ReasonOversize,
			Detail: fmt.Sprintf("upload size %d exceeds limit %d", actual, max),
		}
	}
	return nil
}

// SafePath resolves an archive entry name against the extraction root and
// verifies the result is a strict descendant of root. The check runs on the
// resolved path, not the raw string, so encoded `..` sequences, absolute
// paths, backslash separators, and drive-letter prefixes are all caught.
// Returns the resolved filesystem path for the entry.
func SafePath(root, entryName string) (string, error) {
	if entryName == "" {
		return "", &Violation{Reason: ReasonBadName, Entry: entryName, Detail: "empty entry name"}
	}

	// ZIP names use forward slashes, but hostile archives also carry
	// backslashes to target Windows-style resolution. Treat both as
	// separators before cleaning.
	name := strings.ReplaceAll(entryName, `\`, "/")

	if strings.HasPrefix(name, "/") {
		return "", &Violation{Reason: ReasonTraversal, Entry: entryName, Detail: "absolute path"}
	}
	if len(name) >= 2 && name[1] == ':' && isDriveLetter(name[0]) {
		return "", &Violation{Reason: ReasonTraversal, Entry: entryName, Detail: "drive-letter path"}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", &Violation{Reason: ReasonTraversal, Entry: entryName, Detail: "parent directory reference"}
		}
	}

	cleaned := path.Clean("/" + name)
	resolved := filepath.Join(root, filepath.FromSlash(cleaned))

	rootClean := filepath.Clean(root)
	if resolved == rootClean || !strings.HasPrefix(resolved, rootClean+string(filepath.Separator)) {
		return "", &Violation{Reason: ReasonTraversal, Entry: entryName, Detail: "resolves outside extraction root"}
	}
	return resolved, nil
}

// SanitizeEntryName validates an archive entry name segment by segment:
// null bytes, control characters, and over-long segments are rejected.
// When rejectHidden is set, dot-prefixed final segments are rejected too,
// except macOS resource forks (`._name.ext`) which legitimate archives carry.
func SanitizeEntryName(entryName string, rejectHidden bool) error {
	if strings.ContainsRune(entryName, 0) {
		return &Violation{Reason: ReasonBadName, Entry: entryName, Detail: "null byte in name"}
	}
	for _, r := range entryName {
		if r < 0x20 || r == 0x7f {
			return &Violation{Reason: ReasonBadName, Entry: entryName, Detail: "control character in name"}
		}
	}

	name := strings.ReplaceAll(entryName, `\`, "/")
	segments := strings.Split(strings.TrimSuffix(name, "/"), "/")
	for _, seg := range segments {
		if len(seg) > MaxSegmentLen {
			return &Violation{
				Reason: ReasonBadName,
				Entry:  entryName,
				Detail: fmt.Sprintf("segment exceeds %d characters", MaxSegmentLen),
			}
		}
	}

	if rejectHidden && len(segments) > 0 {
		last := segments[len(segments)-1]
		if strings.HasPrefix(last, ".") && !strings.HasPrefix(last, "._") {
			return &Violation{Reason: ReasonBadName, Entry: entryName, Detail: "hidden file"}
		}
	}
	return nil
}

// Depth counts the path segments of an entry name. "a/b/c.txt" has depth 3.
func Depth(entryName string) int {
	name := strings.ReplaceAll(entryName, `\`, "/")
	name = strings.Trim(name, "/")
	if name == "" {
		return 0
	}
	return strings.Count(name, "/") + 1
}

// ValidateArg checks a subprocess argument for null bytes, shell
// metacharacters, and excessive length. The executor never goes through a
// shell, so metacharacters in an argv element only ever appear in hostile
// input.
func ValidateArg(arg string) error {
	if strings.ContainsRune(arg, 0) {
		return &Violation{Reason: ReasonInjection, Entry: arg, Detail: "null byte in argument"}
	}
	if len(arg) > MaxArgLen {
		return &Violation{
			Reason: ReasonInjection,
			Entry:  truncate(arg, 64),
			Detail: fmt.Sprintf("argument exceeds %d bytes", MaxArgLen),
		}
	}
	if i := strings.IndexAny(arg, shellMetachars); i >= 0 {
		return &Violation{
			Reason: ReasonInjection,
			Entry:  truncate(arg, 64),
			Detail: fmt.Sprintf("shell metacharacter %q in argument", arg[i]),
		}
	}
	return nil
}

// ValidateEnvValue checks an environment variable value for null bytes and
// excessive length. Keys are constrained by the whitelist, not here.
func ValidateEnvValue(key, value string) error {
	if strings.ContainsRune(value, 0) {
		return &Violation{Reason: ReasonInjection, Entry: key, Detail: "null byte in environment value"}
	}
	if len(value) > MaxArgLen {
		return &Violation{
			Reason: ReasonInjection,
			Entry:  key,
			Detail: fmt.Sprintf("environment value exceeds %d bytes", MaxArgLen),
		}
	}
	return nil
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
