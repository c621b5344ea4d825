package engine

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// maxEndpointsPerLookup caps how many endpoints are loaded for a single
// verification pass.
const maxEndpointsPerLookup = 50

// GenerateSecret returns a new URL-safe webhook secret (32 random bytes,
// base64url without padding).
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyEndpointSecret matches a submitted secret against the tenant's enabled
// webhook endpoints. Every candidate is compared in constant time; the loop
// never exits early on a mismatch. Returns the matching endpoint, or nil when
// nothing matches. The caller must not reveal which check failed.
func VerifyEndpointSecret(ctx context.Context, q store.Querier, dialect store.Dialect,
	tenantID, secret string) (*model.WebhookEndpoint, error) {

	pb := dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT id, tenant_id, workflow_id, name, secret, enabled, created_at, updated_at
		 FROM _webhook_endpoints
		 WHERE tenant_id = %s AND enabled = %s
		 ORDER BY created_at
		 LIMIT %d`,
		pb.Add(tenantID), pb.Add(true), maxEndpointsPerLookup)

	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load webhook endpoints: %w", err)
	}

	var matched *model.WebhookEndpoint
	supplied := []byte(secret)
	for _, row := range rows {
		candidate := model.ParseEndpoint(row)
		stored := []byte(candidate.Secret)
		if len(stored) != len(supplied) {
			continue
		}
		if subtle.ConstantTimeCompare(stored, supplied) == 1 && matched == nil {
			matched = candidate
		}
	}
	return matched, nil
}
