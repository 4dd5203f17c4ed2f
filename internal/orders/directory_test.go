package orders

import (
	"context"
	"testing"

	"marketplace-calls/internal/rbac"
)

func TestCanUserActOnOrder(t *testing.T) {
	d := NewMemoryDirectory()
	d.PutOrder(Order{ID: "o1", Number: "ORD-1", CustomerID: "cust", AgentID: "agent"})
	ctx := context.Background()

	cases := []struct {
		user, role, order string
		want              bool
	}{
		{"cust", rbac.RoleCustomer, "o1", true},
		{"agent", rbac.RoleAgent, "o1", true},
		{"cust", rbac.RoleAgent, "o1", false},
		{"stranger", rbac.RoleCustomer, "o1", false},
		{"cust", rbac.RoleCustomer, "missing", false},
		{"cust", "admin", "o1", false},
	}
	for _, tc := range cases {
		got, err := d.CanUserActOnOrder(ctx, tc.user, tc.role, tc.order)
		if err != nil {
			t.Fatalf("%+v: unexpected err: %v", tc, err)
		}
		if got != tc.want {
			t.Fatalf("%+v: expected %v, got %v", tc, tc.want, got)
		}
	}
}

func TestOrder_UnassignedAgentNeverMatches(t *testing.T) {
	o := Order{ID: "o", CustomerID: "c"}
	if o.HasParty("", rbac.RoleAgent) {
		t.Fatalf("empty user must not match an unassigned agent")
	}
}

func TestMemoryDirectory_ProfileNotFound(t *testing.T) {
	d := NewMemoryDirectory()
	if _, err := d.Profile(context.Background(), "nobody"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
