package ledger

import (
	"context"
	"fmt"

	"github.com/mcclellann/payAdvance/pkg/models"
)

type authorizedKey struct{}

// WithAuthorization records whether the caller passed the role check for the
// operation carried by ctx.
func WithAuthorization(ctx context.Context, authorized bool) context.Context {
	return context.WithValue(ctx, authorizedKey{}, authorized)
}

// Authorized reports the flag set by WithAuthorization. Missing means no.
func Authorized(ctx context.Context) bool {
	ok, _ := ctx.Value(authorizedKey{}).(bool)
	return ok
}

func requireAuthorization(ctx context.Context, action string) error {
	if !Authorized(ctx) {
		return fmt.Errorf("%w: %s", models.ErrNotAuthorized, action)
	}
	return nil
}
