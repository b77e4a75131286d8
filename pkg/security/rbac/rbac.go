// Package rbac stores roles and role bindings in an embedded BoltDB file and
// answers authorization checks for the security orchestrator's authz stage.
package rbac

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRoles    = []byte("roles")
	bucketBindings = []byte("bindings")
)

// Role names a set of allowed actions, e.g. "submit", "cancel", "admin".
type Role struct {
	Name    string
	Actions []string
}

// Binding grants a role to a subject (a token ID or service account name).
type Binding struct {
	Subject string
	Role    string
}

// Store persists roles and bindings in a local BoltDB file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the RBAC store under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "rbac.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open rbac store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRoles, bucketBindings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutRole upserts a role definition.
func (s *Store) PutRole(r Role) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRoles).Put([]byte(r.Name), data)
	})
}

// GetRole fetches a role by name.
func (s *Store) GetRole(name string) (*Role, error) {
	var r Role
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoles).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("role not found: %s", name)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Bind grants subject the named role. Rebinding the same subject replaces
// its previous role.
func (s *Store) Bind(subject, role string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(Binding{Subject: subject, Role: role})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBindings).Put([]byte(subject), data)
	})
}

// Unbind removes subject's role grant.
func (s *Store) Unbind(subject string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).Delete([]byte(subject))
	})
}

// Can reports whether subject's bound role permits action.
func (s *Store) Can(subject, action string) (bool, error) {
	var binding Binding
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBindings).Get([]byte(subject))
		if data == nil {
			return errNoBinding
		}
		return json.Unmarshal(data, &binding)
	})
	if err == errNoBinding {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	role, err := s.GetRole(binding.Role)
	if err != nil {
		return false, nil
	}
	for _, a := range role.Actions {
		if a == action || a == "*" {
			return true, nil
		}
	}
	return false, nil
}

var errNoBinding = fmt.Errorf("no role binding")

// SeedDefaults installs the built-in admin/operator/viewer roles used when a
// fresh store has none configured.
func (s *Store) SeedDefaults() error {
	defaults := []Role{
		{Name: "admin", Actions: []string{"*"}},
		{Name: "operator", Actions: []string{"submit", "cancel", "view"}},
		{Name: "viewer", Actions: []string{"view"}},
	}
	for _, r := range defaults {
		if _, err := s.GetRole(r.Name); err == nil {
			continue
		}
		if err := s.PutRole(r); err != nil {
			return err
		}
	}
	return nil
}
