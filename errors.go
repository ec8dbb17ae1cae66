package sentinel

import (
	"errors"
	"fmt"
)

// Error taxonomy. Authentication and authorization failures are resolved
// into one of these kinds and returned synchronously; callers are expected
// to branch with errors.Is.
var (
	// ErrUnauthenticated covers bad, expired or malformed credentials.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTenantInactive is returned when the resolved tenant is suspended
	// or cancelled. Surfaced to callers as a generic auth failure.
	ErrTenantInactive = errors.New("tenant inactive")

	// ErrTenantMismatch is returned when the principal holds no membership
	// in the claimed tenant. Surfaced as a generic auth failure so tenant
	// existence is never revealed.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrForbidden is a deny decision with a matched policy.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is what single-resource denials are downgraded to, so a
	// caller cannot distinguish "exists in another tenant" from "does not
	// exist".
	ErrNotFound = errors.New("not found")

	// ErrPolicyNotFound is internal only: a resource type with no
	// registered policy. Always treated as deny.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrInvalidAttributeContext means a conditional predicate referenced
	// an attribute the caller did not supply. Treated as deny.
	ErrInvalidAttributeContext = errors.New("invalid attribute context")
)

// errResourceFiltered marks a loaded resource that failed the decision's
// filter predicate. It wraps ErrNotFound so callers that do not go through
// the gate still observe the downgraded error.
var errResourceFiltered = fmt.Errorf("resource filtered: %w", ErrNotFound)

// InstallError is returned by the Installer when a policy set could not be
// applied. It is deployment-time fatal and must block rollout.
type InstallError struct {
	ResourceType string
	Err          error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install policies for %q: %v", e.ResourceType, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

func installErr(resourceType string, format string, args ...any) error {
	return &InstallError{ResourceType: resourceType, Err: fmt.Errorf(format, args...)}
}
