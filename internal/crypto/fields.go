package crypto

import (
	"context"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/kimhsiao/mindharbor/backend/internal/errors"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// EncryptFields splits data into plain fields and encrypted envelopes for the
// sensitive fields of item type t. data is not modified.
func EncryptFields(ctx context.Context, g Gateway, userID string, t models.ItemType, tempID string, data map[string]interface{}) (map[string]interface{}, map[string]*models.EncryptedPayload, error) {
	plain := models.ClonePayload(data)
	var enc map[string]*models.EncryptedPayload

	fields := append([]string(nil), models.SensitiveFields[t]...)
	sort.Strings(fields)
	for _, field := range fields {
		v, ok := plain[field]
		if !ok || v == nil {
			continue
		}
		raw, err := msgpack.Marshal(v)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrCryptoFailed, fmt.Sprintf("encode field %s", field), err)
		}
		p, err := g.EncryptPHI(ctx, raw, userID, Context{ItemType: t, TempID: tempID, Field: field}, string(t)+"."+field)
		if err != nil {
			return nil, nil, err
		}
		if enc == nil {
			enc = make(map[string]*models.EncryptedPayload)
		}
		enc[field] = p
		delete(plain, field)
	}
	return plain, enc, nil
}

// VerifyFields checks every envelope and returns the first failing field.
func VerifyFields(g Gateway, enc map[string]*models.EncryptedPayload) (string, IntegrityResult) {
	fields := make([]string, 0, len(enc))
	for f := range enc {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if res := g.VerifyEncryptionIntegrity(enc[f]); !res.IsValid {
			return f, res
		}
	}
	return "", IntegrityResult{IsValid: true, ChecksumMatch: true}
}

// DecryptFields returns plain merged with the decrypted envelopes of a
// record of item type t. Every envelope must have been sealed for its own
// field of that item type, and for tempID unless tempID is empty. The
// result lives in memory only.
func DecryptFields(ctx context.Context, g Gateway, userID string, t models.ItemType, tempID string, plain map[string]interface{}, enc map[string]*models.EncryptedPayload) (map[string]interface{}, error) {
	out := models.ClonePayload(plain)
	if out == nil {
		out = make(map[string]interface{})
	}
	for field, p := range enc {
		if p == nil {
			return nil, apperrors.Newf(apperrors.ErrEncryptionIntegrity, "field %s: missing payload", field)
		}
		if p.Field != field || p.ItemType != t || (tempID != "" && p.TempID != tempID) {
			return nil, apperrors.Wrap(apperrors.ErrEncryptionIntegrity,
				fmt.Sprintf("field %s of %s %s", field, t, tempID), ErrContextMismatch)
		}
		dec, err := g.DecryptPHI(ctx, p, userID)
		if err != nil {
			return nil, err
		}
		var v interface{}
		if err := msgpack.Unmarshal(dec.Content, &v); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, fmt.Sprintf("decode field %s", field), err)
		}
		out[field] = v
	}
	return out, nil
}
