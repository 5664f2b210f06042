// Package fault defines the structured error taxonomy shared by the
// dispatcher, governor and modules. Every abnormal call outcome is one of
// four disjoint kinds; a fault is always terminal for its call.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a fault by which contract was violated.
type Kind string

const (
	// KindValidation covers malformed or unacceptable inputs.
	KindValidation Kind = "VALIDATION"

	// KindAuthorization covers caller identity mismatches.
	KindAuthorization Kind = "AUTHORIZATION"

	// KindState covers operations illegal in the current lifecycle state.
	KindState Kind = "STATE"

	// KindDelegated covers failures raised by module code and passed
	// through the dispatcher unchanged.
	KindDelegated Kind = "DELEGATED"
)

// Code identifies the specific fault condition.
type Code string

const (
	// CodeInvalidModule indicates an upgrade target hosting no executable code.
	CodeInvalidModule Code = "INVALID_MODULE"

	// CodeInvalidAuthority indicates a null dispatch authority.
	CodeInvalidAuthority Code = "INVALID_AUTHORITY"

	// CodeZeroAuthority indicates a null governance owner.
	CodeZeroAuthority Code = "ZERO_AUTHORITY"

	// CodeStrandedValue indicates value attached to an upgrade with no
	// initialization payload to consume it.
	CodeStrandedValue Code = "STRANDED_VALUE"

	// CodeBadPayload indicates a call payload the codec cannot decode.
	CodeBadPayload Code = "BAD_PAYLOAD"

	// CodeNotOwner indicates a governance call from a non-owner identity.
	CodeNotOwner Code = "NOT_OWNER"

	// CodeAlreadyInitialized indicates an initializer rerun or a
	// non-increasing reinitializer version.
	CodeAlreadyInitialized Code = "ALREADY_INITIALIZED"

	// CodeNotInitializing indicates an initializer-only routine called
	// outside an initializer frame.
	CodeNotInitializing Code = "NOT_INITIALIZING"

	// CodeAdminConfusion indicates the authority reaching for anything but
	// the reserved upgrade operation.
	CodeAdminConfusion Code = "ADMIN_CONFUSION"

	// CodeDelegatedFailure carries a module failure payload.
	CodeDelegatedFailure Code = "DELEGATED_FAILURE"
)

// Error is the structured fault for an abnormally terminated call.
type Error struct {
	// Kind identifies the fault family.
	Kind Kind

	// Code identifies the condition.
	Code Code

	// Message is a human-readable description.
	Message string

	// Payload holds the module's failure bytes for delegated faults,
	// exactly as the module produced them.
	Payload []byte

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Payload) > 0 {
		return fmt.Sprintf("%s: %s (%d payload bytes)", e.Code, e.Message, len(e.Payload))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the fault kind onto an HTTP response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return 400
	case KindAuthorization:
		return 403
	case KindState:
		return 409
	case KindDelegated:
		return 422
	default:
		return 500
	}
}

// As extracts a *Error from err, unwrapping as needed.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsCode reports whether err is a fault with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsKind reports whether err is a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// NewInvalidModule creates a validation fault for an upgrade target that
// hosts no executable code.
func NewInvalidModule(ref string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeInvalidModule,
		Message: "reference does not host executable code",
		Details: map[string]string{"ref": ref},
	}
}

// NewInvalidAuthority creates a validation fault for a null authority.
func NewInvalidAuthority() *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeInvalidAuthority,
		Message: "dispatch authority must not be null",
	}
}

// NewZeroAuthority creates a validation fault for a null governance owner.
func NewZeroAuthority() *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeZeroAuthority,
		Message: "owner identity must not be null",
	}
}

// NewStrandedValue creates a validation fault for value attached to an
// upgrade whose initialization payload is empty.
func NewStrandedValue(value uint64) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeStrandedValue,
		Message: "attached value would be stranded by an empty initialization payload",
		Details: map[string]string{"value": fmt.Sprintf("%d", value)},
	}
}

// NewBadPayload creates a validation fault for an undecodable call payload.
func NewBadPayload(reason string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeBadPayload,
		Message: reason,
	}
}

// NewNotOwner creates an authorization fault for a non-owner governance call.
func NewNotOwner() *Error {
	return &Error{
		Kind:    KindAuthorization,
		Code:    CodeNotOwner,
		Message: "caller is not the governance owner",
	}
}

// NewAlreadyInitialized creates a state fault for an illegal (re)initialization.
func NewAlreadyInitialized(current uint64) *Error {
	return &Error{
		Kind:    KindState,
		Code:    CodeAlreadyInitialized,
		Message: "instance initialization version does not admit this run",
		Details: map[string]string{"version": fmt.Sprintf("%d", current)},
	}
}

// NewNotInitializing creates a state fault for an initializer-only routine
// reached outside an initializer frame.
func NewNotInitializing() *Error {
	return &Error{
		Kind:    KindState,
		Code:    CodeNotInitializing,
		Message: "no initializer frame in progress",
	}
}

// NewAdminConfusion creates a state fault for an authority call that is not
// the reserved upgrade operation.
func NewAdminConfusion(selector string) *Error {
	return &Error{
		Kind:    KindState,
		Code:    CodeAdminConfusion,
		Message: "authority may only invoke the upgrade operation",
		Details: map[string]string{"selector": selector},
	}
}

// NewDelegatedFailure wraps a module failure payload. The payload is carried
// unmodified; callers receive the exact bytes the module produced.
func NewDelegatedFailure(payload []byte) *Error {
	return &Error{
		Kind:    KindDelegated,
		Code:    CodeDelegatedFailure,
		Message: "module execution failed",
		Payload: payload,
	}
}
