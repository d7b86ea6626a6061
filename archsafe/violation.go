package archsafe

import "fmt"

// Reason tags a security violation with a stable, machine-readable cause.
// These codes surface in error responses and in the security audit log, so
// they must stay stable across releases.
type Reason string

const (
	ReasonBadSignature   Reason = "bad-signature"
	ReasonOversize       Reason = "oversize"
	ReasonTraversal      Reason = "traversal"
	ReasonSymlink        Reason = "symlink"
	ReasonBadName        Reason = "bad-name"
	ReasonCountLimit     Reason = "count-limit"
	ReasonDepthLimit     Reason = "depth-limit"
	ReasonBombRatio      Reason = "bomb-ratio"
	ReasonNestedArchive  Reason = "nested-archive"
	ReasonEncryptedEntry Reason = "encrypted-entry"
	ReasonInjection      Reason = "injection-attempt"
)

// Violation records adversarial input detected during extraction or
// subprocess invocation. It always terminates the request that raised it.
type Violation struct {
	Reason Reason
	Entry  string // offending archive entry path or argument, may be empty
	Detail string
}

func (v *Violation) Error() string {
	if v.Entry != "" {
		return fmt.Sprintf("security violation (%s): %s: %s", v.Reason, v.Entry, v.Detail)
	}
	return fmt.Sprintf("security violation (%s): %s", v.Reason, v.Detail)
}

// ValidationError reports a pre-extraction rejection of an upload. These are
// ordinary client errors (wrong file type, too big), logged at a lower
// severity than Violations.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Detail)
}
