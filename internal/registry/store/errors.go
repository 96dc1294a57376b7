package store

import "fmt"

// NotFoundError reports that a resource doesn't exist. A caller that
// lacks access to a resource that does exist gets ForbiddenError instead.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError reports a client-supplied value a store rejected
// before touching the database.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError reports a uniqueness or state-conflict violation a
// route handler can translate into an HTTP 409.
type ConflictError struct {
	Message string
	Code    string
	Details map[string]interface{}
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError reports that the caller is who they say they are,
// but isn't allowed to do what they asked.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}
