package fs

import (
	"errors"
	"fmt"
)

type ErrorCode uint8

const (
	Unknown ErrorCode = iota
	// PathNotFound: the object at the path does not exist.
	PathNotFound
	// DirectoryNotFound: a directory on the path does not exist.
	DirectoryNotFound
	// IdentityMismatch: the object at the path is not the expected one.
	IdentityMismatch
	// MetadataMismatch: the object changed since it was last seen.
	MetadataMismatch
	// ObjectNotFound: the object no longer exists.
	ObjectNotFound
	SharingViolation
	UnauthorizedAccess
	IntegrityFailure
	DuplicateName
	InvalidName
	TooManyChildren
	Offline
	LastWriteTimeTooRecent
)

var codeNames = map[ErrorCode]string{
	Unknown:                "unknown",
	PathNotFound:           "path-not-found",
	DirectoryNotFound:      "directory-not-found",
	IdentityMismatch:       "identity-mismatch",
	MetadataMismatch:       "metadata-mismatch",
	ObjectNotFound:         "object-not-found",
	SharingViolation:       "sharing-violation",
	UnauthorizedAccess:     "unauthorized-access",
	IntegrityFailure:       "integrity-failure",
	DuplicateName:          "duplicate-name",
	InvalidName:            "invalid-name",
	TooManyChildren:        "too-many-children",
	Offline:                "offline",
	LastWriteTimeTooRecent: "last-write-time-too-recent",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// Error is a file system failure. ObjectID is the client id of the object the failure
// is about, empty when unknown.
type Error struct {
	Code     ErrorCode
	ObjectID string
	Err      error
}

func NewError(code ErrorCode, objectID string, err error) *Error {
	return &Error{Code: code, ObjectID: objectID, Err: err}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.ObjectID != "" {
		msg += " id=" + e.ObjectID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns the error code of err, Unknown when err is not an *Error.
func Code(err error) ErrorCode {
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.Code
	}
	return Unknown
}
