package engine

// Error taxonomy surfaced to callers. NotFoundError is never retried;
// ValidationError may be retried after correcting input; StateError marks an
// invalid lifecycle transition; AuthorizationError marks an operation on an
// entity the caller does not own. Persistence failures propagate as opaque
// errors and leave the session in its pre-operation state.

type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return e.Reason }

type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

func notFound(resource string) error { return &NotFoundError{Resource: resource} }

func invalid(reason string) error { return &ValidationError{Reason: reason} }

func badState(reason string) error { return &StateError{Reason: reason} }
