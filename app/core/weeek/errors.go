package weeek

import "fmt"

// TransportError covers the HTTP layer: request failures, non-2xx responses,
// and unparseable bodies.
type TransportError struct {
	Action string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProvisioningError means the project/board/column context could not be
// resolved at startup. Fatal: the process must not accept submissions in an
// unprovisioned state.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("weeek provisioning: %v", e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// TicketCreateError means a single publish failed to mirror remotely. The
// local task stays published without a remote id; callers surface a warning
// and never roll back.
type TicketCreateError struct {
	Err error
}

func (e *TicketCreateError) Error() string {
	return fmt.Sprintf("weeek ticket create: %v", e.Err)
}

func (e *TicketCreateError) Unwrap() error {
	return e.Err
}
