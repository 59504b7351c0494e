package conflict

import (
	"context"
	"time"

	"github.com/kimhsiao/mindharbor/backend/internal/crypto"
	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// EncryptedVersion is one side of a conflict whose sensitive fields are
// still sealed.
type EncryptedVersion struct {
	ID string
	// TempID is the id the envelopes were sealed for; empty skips the check.
	TempID    string
	ItemType  models.ItemType
	Plain     map[string]interface{}
	Encrypted map[string]*models.EncryptedPayload
	UpdatedAt time.Time
}

// EncryptedConflict is returned before any decryption takes place.
type EncryptedConflict struct {
	Local              *EncryptedVersion
	Remote             *EncryptedVersion
	UserID             string
	RequiresDecryption bool
	KeyRefs            []crypto.KeyReference
}

// ResolveEncryptedConflict prepares a conflict between two encrypted
// versions. Nothing is decrypted; the caller gets the key references for
// both sides and completes the resolution with ResolveDecrypted.
func (r *Resolver) ResolveEncryptedConflict(ctx context.Context, g crypto.Gateway, local, remote *EncryptedVersion, userID string) (*EncryptedConflict, error) {
	if local == nil || remote == nil {
		return nil, ErrInvalidConflict
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ec := &EncryptedConflict{
		Local:              local,
		Remote:             remote,
		UserID:             userID,
		RequiresDecryption: len(local.Encrypted) > 0 || len(remote.Encrypted) > 0,
	}
	seen := map[string]bool{}
	for _, enc := range []map[string]*models.EncryptedPayload{local.Encrypted, remote.Encrypted} {
		for _, p := range enc {
			if p == nil || seen[p.KeyID] {
				continue
			}
			seen[p.KeyID] = true
			ec.KeyRefs = append(ec.KeyRefs, crypto.KeyReference{UserID: userID, KeyID: p.KeyID})
		}
	}
	if len(ec.KeyRefs) == 0 && ec.RequiresDecryption {
		ec.KeyRefs = append(ec.KeyRefs, g.KeyReference(userID))
	}
	return ec, nil
}

// ResolveDecrypted opens both sides in memory and resolves the conflict with
// strategy. The decrypted values are never written to the history.
func (r *Resolver) ResolveDecrypted(ctx context.Context, g crypto.Gateway, ec *EncryptedConflict, strategy models.ResolutionStrategy) (*Resolution, error) {
	if ec == nil || ec.Local == nil || ec.Remote == nil {
		return nil, ErrInvalidConflict
	}
	for _, v := range []*EncryptedVersion{ec.Local, ec.Remote} {
		if field, res := crypto.VerifyFields(g, v.Encrypted); !res.IsValid {
			return nil, apperrors.Newf(apperrors.ErrEncryptionIntegrity, "field %s of %s: %s", field, v.ID, res.Reason)
		}
	}
	localData, err := crypto.DecryptFields(ctx, g, ec.UserID, ec.Local.ItemType, ec.Local.TempID, ec.Local.Plain, ec.Local.Encrypted)
	if err != nil {
		return nil, err
	}
	remoteData, err := crypto.DecryptFields(ctx, g, ec.UserID, ec.Remote.ItemType, ec.Remote.TempID, ec.Remote.Plain, ec.Remote.Encrypted)
	if err != nil {
		return nil, err
	}

	itemType := ec.Local.ItemType
	if itemType == "" {
		itemType = ec.Remote.ItemType
	}
	c := &Conflict{
		UserID:   ec.UserID,
		ItemID:   ec.Local.ID,
		ItemType: itemType,
		Local:    &Version{ID: ec.Local.ID, ItemType: itemType, Data: localData, UpdatedAt: ec.Local.UpdatedAt},
		Remote:   &Version{ID: ec.Remote.ID, ItemType: itemType, Data: remoteData, UpdatedAt: ec.Remote.UpdatedAt},
	}
	return r.ResolveConflict(ctx, c, strategy)
}
