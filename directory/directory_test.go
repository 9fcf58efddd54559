package directory

import (
	"context"
	"testing"

	"github.com/AlfredDev/quota-core/storage"
)

// fakeBackend is a minimal in-memory storage.Backend stand-in covering only
// the directory methods exercised here.
type fakeBackend struct {
	storage.Backend
	projects map[string]storage.Project
	users    map[string]storage.User
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		projects: map[string]storage.Project{},
		users:    map[string]storage.User{},
	}
}

func (f *fakeBackend) CreateProject(ctx context.Context, name string) error {
	if _, ok := f.projects[name]; ok {
		return storage.ErrAlreadyExists
	}
	f.projects[name] = storage.Project{Name: name, Enabled: true}
	return nil
}

func (f *fakeBackend) ListProjects(ctx context.Context) ([]storage.Project, error) {
	out := make([]storage.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeBackend) SetProjectActive(ctx context.Context, name string, active bool) error {
	p, ok := f.projects[name]
	if !ok {
		return storage.ErrNotFound
	}
	p.Enabled = active
	f.projects[name] = p
	return nil
}

func (f *fakeBackend) DeleteProject(ctx context.Context, name string) error {
	delete(f.projects, name)
	return nil
}

func (f *fakeBackend) CreateUser(ctx context.Context, name, ouName, email string) error {
	if _, ok := f.users[name]; ok {
		return storage.ErrAlreadyExists
	}
	f.users[name] = storage.User{Name: name, OUName: ouName, Email: email, Enabled: true}
	return nil
}

func (f *fakeBackend) ListUsers(ctx context.Context) ([]storage.User, error) {
	out := make([]storage.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeBackend) SetUserActive(ctx context.Context, name string, active bool) error {
	u, ok := f.users[name]
	if !ok {
		return storage.ErrNotFound
	}
	u.Enabled = active
	f.users[name] = u
	return nil
}

func (f *fakeBackend) DeleteUser(ctx context.Context, name string) error {
	delete(f.users, name)
	return nil
}

func TestProjectsCRUDAndInvalidate(t *testing.T) {
	backend := newFakeBackend()
	invalidated := 0
	projects := NewProjects(backend, func() { invalidated++ })
	ctx := context.Background()

	if err := projects.Create(ctx, "proj-a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1 after Create", invalidated)
	}

	if err := projects.Create(ctx, "proj-a"); err != storage.ErrAlreadyExists {
		t.Fatalf("Create duplicate = %v, want ErrAlreadyExists", err)
	}
	if invalidated != 1 {
		t.Fatalf("invalidated = %d, want unchanged after failed Create", invalidated)
	}

	list, err := projects.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v, want 1 project", list, err)
	}

	if err := projects.Update(ctx, "proj-a", false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if invalidated != 2 {
		t.Fatalf("invalidated = %d, want 2 after Update", invalidated)
	}
	list, _ = projects.List(ctx)
	if list[0].Enabled {
		t.Fatalf("project still enabled after Update(false)")
	}

	if err := projects.Delete(ctx, "proj-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if invalidated != 3 {
		t.Fatalf("invalidated = %d, want 3 after Delete", invalidated)
	}
	list, _ = projects.List(ctx)
	if len(list) != 0 {
		t.Fatalf("List after Delete = %v, want empty", list)
	}
}

func TestUsersCRUDAndDeactivate(t *testing.T) {
	backend := newFakeBackend()
	invalidated := 0
	users := NewUsers(backend, func() { invalidated++ })
	ctx := context.Background()

	if err := users.Create(ctx, "alice", "eng", "alice@example.com"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", invalidated)
	}

	if err := users.Deactivate(ctx, "alice"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if invalidated != 2 {
		t.Fatalf("invalidated = %d, want 2 after Deactivate", invalidated)
	}
	list, _ := users.List(ctx)
	if list[0].Enabled {
		t.Fatalf("user still enabled after Deactivate")
	}

	if err := users.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = users.List(ctx)
	if len(list) != 0 {
		t.Fatalf("List after Delete = %v, want empty", list)
	}
}

func TestDirectoryNilInvalidateIsSafe(t *testing.T) {
	backend := newFakeBackend()
	projects := NewProjects(backend, nil)
	users := NewUsers(backend, nil)
	ctx := context.Background()

	if err := projects.Create(ctx, "proj-a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := users.Create(ctx, "bob", "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
}
