package testsupport

import (
	"context"
	"testing"

	"memoir/internal/config"
	"memoir/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewUser provisions a user row for tests.
func NewUser(t testing.TB, st *store.Store, id string) {
	t.Helper()

	if err := st.EnsureUser(context.Background(), id, id); err != nil {
		t.Fatalf("store.EnsureUser: %v", err)
	}
}

// NewProject creates a recording project for tests using the provided store.
func NewProject(t testing.TB, st *store.Store, userID, title string) *store.Project {
	t.Helper()

	NewUser(t, st, userID)
	project, err := st.CreateProject(context.Background(), store.NewProject{
		UserID: userID,
		Title:  title,
	})
	if err != nil {
		t.Fatalf("store.CreateProject: %v", err)
	}
	return project
}
