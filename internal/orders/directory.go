// Package orders reads the marketplace's order and user tables. The call
// subsystem only needs order membership and display metadata from them.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"marketplace-calls/internal/rbac"
)

var ErrNotFound = errors.New("orders: not found")

// Order is the slice of an order relevant to calls.
type Order struct {
	ID         string `json:"id" db:"id"`
	Number     string `json:"order_number" db:"order_number"`
	CustomerID string `json:"customer_id" db:"customer_id"`
	AgentID    string `json:"agent_id,omitempty" db:"agent_id"`
}

// Profile is user display metadata.
type Profile struct {
	UserID       string `json:"user_id" db:"id"`
	Name         string `json:"name" db:"name"`
	ProfileImage string `json:"profile_image,omitempty" db:"profile_image"`
}

// HasParty reports whether userID is listed on the order in the given role.
func (o Order) HasParty(userID, role string) bool {
	if userID == "" {
		return false
	}
	switch role {
	case rbac.RoleCustomer:
		return o.CustomerID == userID
	case rbac.RoleAgent:
		return o.AgentID == userID
	default:
		return false
	}
}

// PostgresDirectory reads from the marketplace schema:
//
//	orders(id, order_number, customer_id, agent_id)
//	users(id, name, profile_image)
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Order(ctx context.Context, orderID string) (Order, error) {
	const q = `
SELECT id, order_number, customer_id, COALESCE(agent_id, '')
FROM orders
WHERE id = $1
`
	var o Order
	if err := d.db.QueryRowContext(ctx, q, orderID).Scan(&o.ID, &o.Number, &o.CustomerID, &o.AgentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	return o, nil
}

func (d *PostgresDirectory) Profile(ctx context.Context, userID string) (Profile, error) {
	const q = `
SELECT id, COALESCE(name, ''), COALESCE(profile_image, '')
FROM users
WHERE id = $1
`
	var p Profile
	if err := d.db.QueryRowContext(ctx, q, userID).Scan(&p.UserID, &p.Name, &p.ProfileImage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	return p, nil
}

// CanUserActOnOrder is the authorization check used before any call is placed.
func (d *PostgresDirectory) CanUserActOnOrder(ctx context.Context, userID, role, orderID string) (bool, error) {
	return canAct(ctx, d, userID, role, orderID)
}

type orderReader interface {
	Order(ctx context.Context, orderID string) (Order, error)
}

func canAct(ctx context.Context, r orderReader, userID, role, orderID string) (bool, error) {
	if userID == "" || orderID == "" || !rbac.IsParty(role) {
		return false, nil
	}
	o, err := r.Order(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return o.HasParty(userID, role), nil
}

// MemoryDirectory is an in-memory directory for tests and local development.
type MemoryDirectory struct {
	mu       sync.Mutex
	orders   map[string]Order
	profiles map[string]Profile
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{orders: map[string]Order{}, profiles: map[string]Profile{}}
}

func (m *MemoryDirectory) PutOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

func (m *MemoryDirectory) PutProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
}

func (m *MemoryDirectory) Order(ctx context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryDirectory) Profile(ctx context.Context, userID string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryDirectory) CanUserActOnOrder(ctx context.Context, userID, role, orderID string) (bool, error) {
	return canAct(ctx, m, userID, role, orderID)
}
