// Package identity answers who is who: users, their managers and roles.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrNoManager    = errors.New("user has no manager")
)

// Role is an organizational role.
type Role string

const (
	RoleEmployee Role = "Employee"
	RoleManager  Role = "Manager"
	RoleHR       Role = "HR"
	RoleAdmin    Role = "Admin"
)

// User is a directory entry.
type User struct {
	ID         string `mapstructure:"id" json:"id"`
	Name       string `mapstructure:"name" json:"name"`
	Email      string `mapstructure:"email" json:"email"`
	Department string `mapstructure:"department" json:"department,omitempty"`
	ManagerID  string `mapstructure:"manager_id" json:"managerId,omitempty"`
	Roles      []Role `mapstructure:"roles" json:"roles"`
	Active     bool   `mapstructure:"active" json:"active"`
}

// HasRole reports whether u holds role r.
func (u User) HasRole(r Role) bool {
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Directory looks up users.
type Directory interface {
	User(ctx context.Context, id string) (User, error)
	Manager(ctx context.Context, userID string) (User, error)
	UsersByRole(ctx context.Context, role Role) ([]User, error)
	ActiveUsers(ctx context.Context) ([]User, error)
}

// MemoryDirectory is a Directory over a fixed user list.
type MemoryDirectory struct {
	users map[string]User
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory validates and indexes users. IDs must be unique and
// every manager reference must point at a listed user.
func NewMemoryDirectory(users []User) (*MemoryDirectory, error) {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		if u.ID == "" {
			return nil, fmt.Errorf("user without id")
		}
		if _, dup := d.users[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user id %q", u.ID)
		}
		d.users[u.ID] = u
	}
	for _, u := range d.users {
		if u.ManagerID == "" {
			continue
		}
		if _, ok := d.users[u.ManagerID]; !ok {
			return nil, fmt.Errorf("user %q: manager %q: %w", u.ID, u.ManagerID, ErrUserNotFound)
		}
	}
	return d, nil
}

func (d *MemoryDirectory) User(_ context.Context, id string) (User, error) {
	u, ok := d.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return u, nil
}

func (d *MemoryDirectory) Manager(ctx context.Context, userID string) (User, error) {
	u, err := d.User(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if u.ManagerID == "" {
		return User{}, fmt.Errorf("%w: %s", ErrNoManager, userID)
	}
	return d.User(ctx, u.ManagerID)
}

func (d *MemoryDirectory) UsersByRole(_ context.Context, role Role) ([]User, error) {
	return d.filter(func(u User) bool { return u.HasRole(role) }), nil
}

func (d *MemoryDirectory) ActiveUsers(_ context.Context) ([]User, error) {
	return d.filter(func(u User) bool { return u.Active }), nil
}

func (d *MemoryDirectory) filter(keep func(User) bool) []User {
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
