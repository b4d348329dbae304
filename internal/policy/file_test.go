// Copyright 2025 James Ross
package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAttributeValueJSONRoundTrip(t *testing.T) {
	v := Array(String("admin"), Number(3), Bool(true))
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var back AttributeValue
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !v.Equal(back) {
		t.Fatalf("round trip changed value: %s", data)
	}
}

func TestAttributeValueRejectsObjects(t *testing.T) {
	var v AttributeValue
	if err := json.Unmarshal([]byte(`{"nested": 1}`), &v); err == nil {
		t.Fatal("expected error for JSON object attribute")
	}
	if err := json.Unmarshal([]byte(`null`), &v); err == nil {
		t.Fatal("expected error for JSON null attribute")
	}
}

func TestLoadPoliciesFile(t *testing.T) {
	doc := `[
  {
    "id": "deny-banned-on-plugins",
    "effect": "Deny",
    "target": {
      "resource": [{"facet": "Resource", "attribute": "type", "operator": "Equals", "value": "plugin"}]
    },
    "condition": {
      "compare": {"facet": "Subject", "attribute": "roles", "operator": "Contains", "value": "banned"}
    }
  },
  {
    "id": "permit-admins",
    "effect": "permit",
    "target": {
      "subject": [{"facet": "Subject", "attribute": "roles", "operator": "Contains", "value": "admin"}]
    }
  }
]`
	path := filepath.Join(t.TempDir(), "policies.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadPoliciesFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	e := NewEngine(nil)
	for _, p := range policies {
		if err := e.Add(p); err != nil {
			t.Fatal(err)
		}
	}

	req := AccessRequest{
		Subject: Subject{
			ID:         "u1",
			Attributes: AttributeMap{"roles": Array(String("admin"), String("banned"))},
		},
		Resource: Resource{Type: "plugin", ID: "p1"},
	}
	if d := e.Evaluate(req); d != Deny {
		t.Fatalf("expected Deny for banned admin on plugin, got %v", d)
	}

	req.Subject.Attributes["roles"] = Array(String("admin"))
	if d := e.Evaluate(req); d != Permit {
		t.Fatalf("expected Permit for admin, got %v", d)
	}
}

func TestLoadPoliciesFileRejectsUnknownEffect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.json")
	if err := os.WriteFile(path, []byte(`[{"id": "x", "effect": "Maybe"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPoliciesFile(path); err == nil {
		t.Fatal("expected error for unknown effect")
	}
}

func TestLoadPoliciesFileRejectsAmbiguousCondition(t *testing.T) {
	doc := `[{"id": "x", "effect": "Deny", "condition": {"and": [], "or": []}}]`
	path := filepath.Join(t.TempDir(), "policies.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPoliciesFile(path); err == nil {
		t.Fatal("expected error for condition setting both and/or")
	}
}
