// Package inventory exposes the read-only view of remote targets that
// sessions bind to. Inventory management itself lives elsewhere; this
// package only resolves a target id into its binding identity.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"gorm.io/gorm"
)

// Target is the binding identity of a remote host.
type Target struct {
	ID       string `json:"target_id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Addr returns host:port, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// BindingError reports a target that cannot be bound: unknown or offline.
type BindingError struct {
	TargetID string
	Reason   string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("cannot bind target %q: %s", e.TargetID, e.Reason)
}

// Resolver turns a target id into a bindable Target.
type Resolver interface {
	Resolve(ctx context.Context, targetID string) (Target, error)
}

// Credentials supplies the optional password for a target. Targets without
// a password authenticate with the console key pair.
type Credentials interface {
	Password(targetID string) (string, error)
}

// Store resolves targets from the database.
type Store struct{}

func NewStore() *Store { return &Store{} }

func (s *Store) Resolve(ctx context.Context, targetID string) (Target, error) {
	row, err := database.GetTarget(targetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Target{}, &BindingError{TargetID: targetID, Reason: "target not found"}
		}
		return Target{}, fmt.Errorf("load target %q: %w", targetID, err)
	}
	t := fromRow(row)
	if !t.Online {
		return Target{}, &BindingError{TargetID: targetID, Reason: "target is offline"}
	}
	return t, nil
}

// List returns every target, online or not.
func (s *Store) List() ([]Target, error) {
	rows, err := database.ListTargets()
	if err != nil {
		return nil, err
	}
	out := make([]Target, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out, nil
}

func (s *Store) Password(targetID string) (string, error) {
	row, err := database.GetTarget(targetID)
	if err != nil {
		return "", fmt.Errorf("load target %q: %w", targetID, err)
	}
	return crypto.Decrypt(row.Password)
}

// Add stores a target, encrypting its password. Used by the --add-target CLI.
func (s *Store) Add(t Target, password string) error {
	enc, err := crypto.Encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	return database.SaveTarget(&database.Target{
		ID:       t.ID,
		Name:     t.Name,
		Host:     t.Host,
		Port:     t.Port,
		Username: t.Username,
		Password: enc,
		Online:   t.Online,
	})
}

func fromRow(row *database.Target) Target {
	return Target{
		ID:       row.ID,
		Name:     row.Name,
		Host:     row.Host,
		Port:     row.Port,
		Username: row.Username,
		Online:   row.Online,
	}
}

// MapResolver is an in-memory Resolver, handy for tests and fixed setups.
type MapResolver struct {
	mu      sync.RWMutex
	targets map[string]Target
}

func NewMapResolver(targets ...Target) *MapResolver {
	m := &MapResolver{targets: make(map[string]Target)}
	for _, t := range targets {
		m.targets[t.ID] = t
	}
	return m
}

func (m *MapResolver) Put(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = t
}

func (m *MapResolver) Resolve(ctx context.Context, targetID string) (Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[targetID]
	if !ok {
		return Target{}, &BindingError{TargetID: targetID, Reason: "target not found"}
	}
	if !t.Online {
		return Target{}, &BindingError{TargetID: targetID, Reason: "target is offline"}
	}
	return t, nil
}
