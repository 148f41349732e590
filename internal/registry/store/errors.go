package store

import (
	"errors"
	"fmt"
)

// NotFoundError reports a user, chat or message that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError reports input the store refuses to persist.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError reports a uniqueness violation. Code is a stable machine
// readable identifier such as "email_taken".
type ConflictError struct {
	Message string
	Code    string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError reports a resource that exists but belongs to another user.
type ForbiddenError struct {
	Resource string
	ID       string
}

func (e *ForbiddenError) Error() string {
	if e.Resource == "" {
		return "forbidden"
	}
	return fmt.Sprintf("%s %s belongs to another user", e.Resource, e.ID)
}

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
