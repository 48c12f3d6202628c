// Package errors provides structured error handling for messaging services.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Message errors
	CodeMessageEmptyID             Code = "MESSAGE_EMPTY_ID"
	CodeMessageEmptyConversationID Code = "MESSAGE_EMPTY_CONVERSATION_ID"
	CodeMessageEmptySenderID       Code = "MESSAGE_EMPTY_SENDER_ID"
	CodeMessageEmptyBody           Code = "MESSAGE_EMPTY_BODY"
	CodeMessageBodyTooLong         Code = "MESSAGE_BODY_TOO_LONG"
	CodeMessageDuplicateClientID   Code = "MESSAGE_DUPLICATE_CLIENT_ID"

	// Conversation errors
	CodeConversationEmptyID           Code = "CONVERSATION_EMPTY_ID"
	CodeConversationEmptyUserID       Code = "CONVERSATION_EMPTY_USER_ID"
	CodeConversationNoParticipants    Code = "CONVERSATION_NO_PARTICIPANTS"
	CodeConversationMemberRequired    Code = "CONVERSATION_MEMBER_REQUIRED"
	CodeConversationAlreadyExists     Code = "CONVERSATION_ALREADY_EXISTS"
	CodeConversationParticipantAbsent Code = "CONVERSATION_PARTICIPANT_ABSENT"

	// Access token errors
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenExpired Code = "TOKEN_EXPIRED"

	// OTP errors
	CodeOTPEmptyPhoneNumber Code = "OTP_EMPTY_PHONE_NUMBER"
	CodeOTPRequestThrottled Code = "OTP_REQUEST_THROTTLED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeMessageEmptyID,
		CodeMessageEmptyConversationID,
		CodeMessageEmptySenderID,
		CodeMessageEmptyBody,
		CodeMessageBodyTooLong,
		CodeConversationEmptyID,
		CodeConversationEmptyUserID,
		CodeConversationNoParticipants,
		CodeOTPEmptyPhoneNumber,
		CodeTokenInvalid:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeMessageDuplicateClientID,
		CodeTokenExpired:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeConversationParticipantAbsent:
		return codes.NotFound

	// AlreadyExists - unique resource constraint
	case CodeConversationAlreadyExists:
		return codes.AlreadyExists

	// PermissionDenied - caller lacks membership
	case CodeConversationMemberRequired:
		return codes.PermissionDenied

	// ResourceExhausted - throttling
	case CodeOTPRequestThrottled:
		return codes.ResourceExhausted

	default:
		return codes.Internal
	}
}
