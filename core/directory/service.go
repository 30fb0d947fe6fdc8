package directory

import (
	"context"
	"errors"
)

var (
	// errors
	ErrNotFound = errors.New("user not found")
)

// Directory is any service that can resolve users and recipient populations.
// It is owned by the school records system; this subsystem only reads from it.
type Directory interface {
	GetUser(ctx context.Context, id string) (User, error)
	// ResolveRecipients expands a broadcast Criteria into the concrete users it
	// currently selects. The result may be empty; it is never nil on success.
	ResolveRecipients(ctx context.Context, criteria Criteria) ([]User, error)
}
