// Package apperr defines the closed set of tagged error kinds every
// fallible core operation returns, per the error handling design: every
// kind carries a stable machine tag and a stable, user-facing English
// message, and propagation happens only through structured returns —
// never through a broadcast or a torn-down connection.
package apperr

import "errors"

// Kind is a machine-readable error tag for programmatic branching.
type Kind string

const (
	InvalidCode              Kind = "InvalidCode"
	InvalidFileID            Kind = "InvalidFileID"
	NotFound                 Kind = "NotFound"
	SessionExpired           Kind = "SessionExpired"
	NotJoined                Kind = "NotJoined"
	Forbidden                Kind = "Forbidden"
	Empty                    Kind = "Empty"
	TooLong                  Kind = "TooLong"
	FileTooLarge             Kind = "FileTooLarge"
	EmptyFile                Kind = "EmptyFile"
	MessageCapReached        Kind = "MessageCapReached"
	SessionFileCapReached    Kind = "SessionFileCapReached"
	OutOfMemory              Kind = "OutOfMemory"
	TooManyConcurrentUploads Kind = "TooManyConcurrentUploads"
	UploadNotFound           Kind = "UploadNotFound"
	AlreadyCompleted         Kind = "AlreadyCompleted"
	InvalidChunkIndex        Kind = "InvalidChunkIndex"
	Incomplete               Kind = "Incomplete"
	MissingChunk             Kind = "MissingChunk"
	SizeMismatch             Kind = "SizeMismatch"
	Timeout                  Kind = "Timeout"
	Internal                 Kind = "Internal"
)

var messages = map[Kind]string{
	InvalidCode:              "session code is malformed",
	InvalidFileID:            "file id is malformed",
	NotFound:                 "the requested resource was not found",
	SessionExpired:           "this session has expired",
	NotJoined:                "you must join a session before doing that",
	Forbidden:                "you don't have permission to do that",
	Empty:                    "content cannot be empty",
	TooLong:                  "content is too long",
	FileTooLarge:             "file exceeds the maximum allowed size",
	EmptyFile:                "file must not be empty",
	MessageCapReached:        "this session has reached its message limit",
	SessionFileCapReached:    "this session has reached its file limit",
	OutOfMemory:              "server storage is full, try again later",
	TooManyConcurrentUploads: "too many uploads already in progress for this session",
	UploadNotFound:           "upload not found or already finished",
	AlreadyCompleted:         "this upload has already been completed",
	InvalidChunkIndex:        "chunk index is out of range",
	Incomplete:               "not all chunks have been received yet",
	MissingChunk:             "a chunk is missing from the assembled upload",
	SizeMismatch:             "assembled file size does not match the declared size",
	Timeout:                  "the server did not respond in time",
	Internal:                 "an internal error occurred",
}

// Error is a tagged, user-facing error.
type Error struct {
	Kind Kind
	// Detail optionally overrides the default message for this kind (e.g.
	// to embed a missing chunk index). Empty means use the default.
	Detail string
	// Wrapped is an optional underlying cause, kept for logs only — never
	// surfaced to clients.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if msg, ok := messages[e.Kind]; ok {
		return msg
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error for kind using its default message.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Newf builds an *Error for kind with a custom detail message.
func Newf(kind Kind, detail string) *Error { return &Error{Kind: kind, Detail: detail} }

// Wrap builds an *Error for kind, using the default message but retaining
// cause for logging via errors.Unwrap.
func Wrap(kind Kind, cause error) *Error { return &Error{Kind: kind, Wrapped: cause} }

// KindOf extracts the Kind from err, defaulting to Internal for anything
// that isn't a tagged *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is a tagged Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
