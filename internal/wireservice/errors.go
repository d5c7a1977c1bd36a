package wireservice

import (
	"fmt"

	"github.com/gwillem/wire-go/internal/model"
)

// ForbiddenError rejects an operation the local user may not perform.
type ForbiddenError struct {
	Op           string
	Conversation model.QualifiedID
	Reason       string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s %s: forbidden: %s", e.Op, e.Conversation, e.Reason)
}

// NotFoundError reports a conversation that is not known locally.
type NotFoundError struct {
	Op           string
	Conversation model.QualifiedID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: conversation not found", e.Op, e.Conversation)
}

// InvalidRequestError reports arguments that cannot be acted on.
type InvalidRequestError struct {
	Op     string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("%s: invalid request: %s", e.Op, e.Reason)
}

// FatalError ends the listener in a way that reconnecting will not fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "listener: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }
