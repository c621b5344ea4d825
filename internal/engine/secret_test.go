package engine

import (
	"context"
	"testing"
)

func TestGenerateSecretIsURLSafeAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		secret, err := GenerateSecret()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(secret) < 40 {
			t.Fatalf("secret too short: %d chars", len(secret))
		}
		for _, r := range secret {
			if r == '+' || r == '/' || r == '=' {
				t.Fatalf("secret contains non-URL-safe char %q", r)
			}
		}
		if seen[secret] {
			t.Fatal("duplicate secret generated")
		}
		seen[secret] = true
	}
}

func TestVerifyEndpointSecretMatchesOnlyEnabled(t *testing.T) {
	s := newTestStore(t)
	tenantID := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantID)
	createEndpoint(t, s, tenantID, workflowID, "alpha", true)
	createEndpoint(t, s, tenantID, workflowID, "beta", false)
	ctx := context.Background()

	ep, err := VerifyEndpointSecret(ctx, s.DB, s.Dialect, tenantID, "alpha")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ep == nil {
		t.Fatal("enabled endpoint not matched")
	}
	if ep.WorkflowID != workflowID {
		t.Errorf("workflow = %s, want %s", ep.WorkflowID, workflowID)
	}

	ep, err = VerifyEndpointSecret(ctx, s.DB, s.Dialect, tenantID, "beta")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ep != nil {
		t.Error("disabled endpoint matched")
	}

	ep, err = VerifyEndpointSecret(ctx, s.DB, s.Dialect, tenantID, "gamma")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ep != nil {
		t.Error("unknown secret matched")
	}
}

func TestVerifyEndpointSecretIsTenantScoped(t *testing.T) {
	s := newTestStore(t)
	tenantA := createTenant(t, s)
	tenantB := createTenant(t, s)
	workflowID := createWorkflow(t, s, tenantA)
	createEndpoint(t, s, tenantA, workflowID, "shared", true)
	ctx := context.Background()

	ep, err := VerifyEndpointSecret(ctx, s.DB, s.Dialect, tenantB, "shared")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ep != nil {
		t.Error("secret matched across tenants")
	}
}
