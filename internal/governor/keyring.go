// -----------------------------------------------------------------------
// Keyring - config-backed API key validator
// -----------------------------------------------------------------------

package governor

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// Keyring implements interfaces.KeyValidator over the configured key
// entries. Keys rotate by config change; expiry is checked on every
// validation so a rotated-out key dies without a restart.
type Keyring struct {
	entries map[string]keyEntry
	clock   interfaces.Clock
	logger  arbor.ILogger
}

type keyEntry struct {
	principal models.Principal
	expiresAt time.Time
}

var _ interfaces.KeyValidator = (*Keyring)(nil)

// NewKeyring builds the validator from config. Malformed entries were
// rejected by config validation, so parsing here cannot fail.
func NewKeyring(cfg *common.AuthConfig, clock interfaces.Clock, logger arbor.ILogger) *Keyring {
	entries := make(map[string]keyEntry, len(cfg.Keys))
	for _, key := range cfg.Keys {
		role := models.Role(key.Role)
		switch role {
		case models.RoleAdmin, models.RoleDeveloper, models.RoleAnalyst, models.RoleService:
		default:
			logger.Warn().
				Str("principal", key.PrincipalID).
				Str("role", key.Role).
				Msg("Unknown role in auth config, defaulting to analyst")
			role = models.RoleAnalyst
		}

		var expires time.Time
		if key.ExpiresAt != "" {
			expires, _ = time.Parse(time.RFC3339, key.ExpiresAt)
		}

		entries[key.Key] = keyEntry{
			principal: models.Principal{
				ID:        key.PrincipalID,
				TenantID:  key.TenantID,
				Role:      role,
				KeyID:     common.SHA256Hex([]byte(key.Key))[:12],
				ExpiresAt: expires,
			},
			expiresAt: expires,
		}
	}

	logger.Debug().Int("keys", len(entries)).Msg("Keyring loaded")
	return &Keyring{entries: entries, clock: clock, logger: logger}
}

func (k *Keyring) Validate(ctx context.Context, key string) (*models.Principal, error) {
	if key == "" {
		return nil, models.NewError(models.ErrUnauthenticated, "missing credential")
	}
	entry, ok := k.entries[key]
	if !ok {
		return nil, models.NewError(models.ErrUnauthenticated, "unknown credential")
	}
	if !entry.expiresAt.IsZero() && k.clock.Now().After(entry.expiresAt) {
		return nil, models.NewError(models.ErrUnauthenticated, "credential expired")
	}
	principal := entry.principal
	return &principal, nil
}
