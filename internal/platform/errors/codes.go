// Package errors provides coded domain errors with gRPC status mapping.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInviteEmptyFromUser Code = "INVITE_EMPTY_FROM_USER"
	CodeInviteEmptyToUser   Code = "INVITE_EMPTY_TO_USER"
	CodeInviteSelfTarget    Code = "INVITE_SELF_TARGET"
	CodeSessionEmptyUser    Code = "SESSION_EMPTY_USER"
	CodeSessionSameUser     Code = "SESSION_SAME_USER"

	// Engine errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeNotAuthorized  Code = "NOT_AUTHORIZED"
	CodeInvalidState   Code = "INVALID_STATE"
	CodeAlreadyEngaged Code = "ALREADY_ENGAGED"

	// Access grant errors
	CodeGrantInvalid Code = "GRANT_INVALID"
	CodeGrantExpired Code = "GRANT_EXPIRED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInviteEmptyFromUser,
		CodeInviteEmptyToUser,
		CodeInviteSelfTarget,
		CodeSessionEmptyUser,
		CodeSessionSameUser:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeInvalidState,
		CodeAlreadyEngaged:
		return codes.FailedPrecondition

	case CodeNotFound:
		return codes.NotFound

	case CodeNotAuthorized,
		CodeGrantInvalid,
		CodeGrantExpired:
		return codes.PermissionDenied

	default:
		return codes.Internal
	}
}
