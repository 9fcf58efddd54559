// Package directory is the project/user directory CRUD surface of
// spec.md §3 "Project / user directory entries" and §4.11: name-unique
// entries with an enabled flag and audit timestamps. It is an external
// collaborator to the quota engine — the engine only consumes it through
// the membership lookups in cache.Membership (spec.md §4.4).
package directory

import (
	"context"

	"github.com/AlfredDev/quota-core/storage"
)

// InvalidateFunc is called after a mutation so the owning cache can be
// refreshed; typically quota.Service.RefreshProjectsCache or
// RefreshUsersCache.
type InvalidateFunc func()

// Projects is name-unique CRUD over the project table.
type Projects struct {
	backend    storage.Backend
	invalidate InvalidateFunc
}

// NewProjects returns a Projects directory backed by backend. invalidate
// may be nil if nothing needs to be told about mutations.
func NewProjects(backend storage.Backend, invalidate InvalidateFunc) *Projects {
	return &Projects{backend: backend, invalidate: invalidate}
}

func (p *Projects) Create(ctx context.Context, name string) error {
	if err := p.backend.CreateProject(ctx, name); err != nil {
		return err
	}
	p.notify()
	return nil
}

func (p *Projects) List(ctx context.Context) ([]storage.Project, error) {
	return p.backend.ListProjects(ctx)
}

// Update sets the enabled flag for name (the only mutable directory field
// beyond the name itself).
func (p *Projects) Update(ctx context.Context, name string, enabled bool) error {
	if err := p.backend.SetProjectActive(ctx, name, enabled); err != nil {
		return err
	}
	p.notify()
	return nil
}

func (p *Projects) Delete(ctx context.Context, name string) error {
	if err := p.backend.DeleteProject(ctx, name); err != nil {
		return err
	}
	p.notify()
	return nil
}

func (p *Projects) notify() {
	if p.invalidate != nil {
		p.invalidate()
	}
}

// Users is name-unique CRUD over the user table.
type Users struct {
	backend    storage.Backend
	invalidate InvalidateFunc
}

// NewUsers returns a Users directory backed by backend. invalidate may be
// nil if nothing needs to be told about mutations.
func NewUsers(backend storage.Backend, invalidate InvalidateFunc) *Users {
	return &Users{backend: backend, invalidate: invalidate}
}

func (u *Users) Create(ctx context.Context, name, ouName, email string) error {
	if err := u.backend.CreateUser(ctx, name, ouName, email); err != nil {
		return err
	}
	u.notify()
	return nil
}

func (u *Users) List(ctx context.Context) ([]storage.User, error) {
	return u.backend.ListUsers(ctx)
}

// Deactivate disables a user (enabled=false); Update re-enables or
// disables explicitly.
func (u *Users) Update(ctx context.Context, name string, enabled bool) error {
	if err := u.backend.SetUserActive(ctx, name, enabled); err != nil {
		return err
	}
	u.notify()
	return nil
}

func (u *Users) Deactivate(ctx context.Context, name string) error {
	return u.Update(ctx, name, false)
}

func (u *Users) Delete(ctx context.Context, name string) error {
	if err := u.backend.DeleteUser(ctx, name); err != nil {
		return err
	}
	u.notify()
	return nil
}

func (u *Users) notify() {
	if u.invalidate != nil {
		u.invalidate()
	}
}
