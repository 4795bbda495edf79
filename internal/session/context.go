package session

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Context is the signed-in identity every engine operation is scoped to.
// It is captured once at daemon start and passed explicitly; nothing in the
// engine reads ambient global auth state.
type Context struct {
	// Name is the local session name (directory under ~/.locus/sessions).
	Name string
	// OwnerID is the backend user id owning all synced rows.
	OwnerID string
	// Token is the backend access token used for authoritative writes.
	Token string
}

// Active reports whether the context carries a signed-in identity.
// Engine operations called with an inactive context degrade to neutral
// results (zero counts, no-op writes) instead of failing.
func (c Context) Active() bool {
	return c.OwnerID != ""
}

// credentials is the on-disk shape of credentials.toml.
type credentials struct {
	OwnerID string `toml:"owner_id"`
	Token   string `toml:"token"`
}

// LoadContext reads the session credential file. A missing file is not an
// error: it yields an inactive context (signed out).
func LoadContext(name string) (Context, error) {
	var creds credentials
	_, err := toml.DecodeFile(CredentialsPath(name), &creds)
	if os.IsNotExist(err) {
		return Context{Name: name}, nil
	}
	if err != nil {
		return Context{}, err
	}
	return Context{Name: name, OwnerID: creds.OwnerID, Token: creds.Token}, nil
}

// SaveContext persists the session identity for the next daemon start.
func SaveContext(c Context) error {
	path := CredentialsPath(c.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(credentials{OwnerID: c.OwnerID, Token: c.Token})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
