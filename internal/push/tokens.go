package push

import (
	"context"
	"fmt"

	"vanish/server/internal/clock"
	"vanish/server/internal/store"
)

// Tokens implements the device-token half of the vendor push bridge:
// registration and logout. Kept separate from Bridge because it is driven
// by HTTP handlers, not the message pipeline.
type Tokens struct {
	store *store.Store
	clock clock.Clock
}

func NewTokens(st *store.Store, clk clock.Clock) *Tokens {
	return &Tokens{store: st, clock: clk}
}

// Register moves token ownership instead of duplicating the row:
// re-registering an opaque token against a different device deactivates it
// on its prior device, and registering a new token for a device deactivates
// that device's prior token.
func (t *Tokens) Register(ctx context.Context, deviceID, opaqueToken string) error {
	if deviceID == "" || opaqueToken == "" {
		return fmt.Errorf("device id and token are required")
	}
	return t.store.RegisterDeviceToken(ctx, deviceID, opaqueToken, t.clock.Now())
}

// Logout deactivates every token ever registered for deviceID.
func (t *Tokens) Logout(ctx context.Context, deviceID string) error {
	tokens, err := t.store.FindAllByDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("find device tokens: %w", err)
	}
	now := t.clock.Now()
	for _, tok := range tokens {
		if !tok.Active {
			continue
		}
		if err := t.store.DeactivateToken(ctx, tok.OpaqueToken, now); err != nil {
			return fmt.Errorf("deactivate token: %w", err)
		}
	}
	return nil
}
