package model

import "time"

// WebhookEndpoint binds an inbound webhook secret to a workflow. Revocation is
// disable, not delete, so existing run history keeps its endpoint reference.
type WebhookEndpoint struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Secret     string    `json:"-"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ParseEndpoint builds a WebhookEndpoint from a database row map.
func ParseEndpoint(row map[string]any) *WebhookEndpoint {
	return &WebhookEndpoint{
		ID:         asString(row["id"]),
		TenantID:   asString(row["tenant_id"]),
		WorkflowID: asString(row["workflow_id"]),
		Name:       asString(row["name"]),
		Secret:     asString(row["secret"]),
		Enabled:    asBool(row["enabled"]),
		CreatedAt:  asTime(row["created_at"]),
		UpdatedAt:  asTime(row["updated_at"]),
	}
}
