// Package auth covers the two credential surfaces of the relay: socket
// credentials (hub keys for producers, connection tokens for consumers) and
// the HTTP account surface (passwords, JWT access tokens, refresh tokens).
// Socket credentials are stored hashed; the plaintext appears only in the
// response that issued it.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/hub"
	"github.com/vigil-app/vigil-server/internal/user"
)

// Adapter resolves socket credentials into their owning records. Both
// validation paths reject malformed input before touching the store, so
// probe traffic never costs a query.
type Adapter struct {
	users        user.Repository
	hubs         hub.Repository
	devices      device.Repository
	acceptLegacy bool
}

// NewAdapter creates a credential adapter. When acceptLegacy is set,
// pre-migration "vgl_"-prefixed connection tokens validate alongside the
// short format.
func NewAdapter(users user.Repository, hubs hub.Repository, devices device.Repository, acceptLegacy bool) *Adapter {
	return &Adapter{
		users:        users,
		hubs:         hubs,
		devices:      devices,
		acceptLegacy: acceptLegacy,
	}
}

// ValidateHubKey resolves a producer's hub key. It distinguishes unknown or
// malformed keys (ErrInvalidHubKey) from known hubs that are not approved
// (ErrHubNotApproved) or suspended (ErrHubSuspended).
func (a *Adapter) ValidateHubKey(ctx context.Context, key string) (*hub.Hub, error) {
	if !IsHubKey(key) {
		return nil, ErrInvalidHubKey
	}

	h, err := a.hubs.GetByKeyHash(ctx, HashToken(key))
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return nil, ErrInvalidHubKey
		}
		return nil, fmt.Errorf("look up hub by key: %w", err)
	}

	switch h.Status {
	case hub.StatusApproved:
		return h, nil
	case hub.StatusSuspended:
		return nil, ErrHubSuspended
	default:
		return nil, ErrHubNotApproved
	}
}

// ValidateUserToken resolves a consumer's connection token and returns the
// user together with their active push devices. Suspended users fail with
// ErrUserSuspended; everything else that does not resolve to an active user
// is ErrInvalidUserToken.
func (a *Adapter) ValidateUserToken(ctx context.Context, token string) (*user.User, []device.Device, error) {
	if !IsShortToken(token) && !(a.acceptLegacy && IsLegacyToken(token)) {
		return nil, nil, ErrInvalidUserToken
	}

	u, err := a.users.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, nil, ErrInvalidUserToken
		}
		return nil, nil, fmt.Errorf("look up user by token: %w", err)
	}

	if u.Suspended() {
		return nil, nil, ErrUserSuspended
	}

	devices, err := a.devices.ListActiveByUser(ctx, u.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list devices for user: %w", err)
	}

	return u, devices, nil
}
