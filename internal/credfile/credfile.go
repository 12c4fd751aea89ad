// Package credfile handles reading and writing persisted client
// credentials. A credential file stores the OAuth2 token alongside the
// flat credential mapping (application key, user ID, in-flight state
// parameter, server overrides). This is a leaf package imported by both
// the CLI and the auth driver so neither depends on the other.
package credfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// File is the on-disk format. The access token rides in an oauth2.Token
// so a future migration to refresh tokens keeps the same file shape.
type File struct {
	Token       *oauth2.Token       `json:"token,omitempty"`
	Credentials dropbox.Credentials `json:"credentials"`
}

// Load reads persisted credentials from disk. Returns (nil, nil) if the
// file does not exist.
func Load(path string) (*dropbox.Credentials, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("credfile: reading %s: %w", path, err)
	}

	var cf File
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("credfile: decoding %s: %w", path, err)
	}

	creds := cf.Credentials
	if cf.Token != nil {
		creds.Token = cf.Token.AccessToken
	}

	if creds.Key == "" {
		return nil, fmt.Errorf("credfile: %s missing application key (re-login required)", path)
	}

	return &creds, nil
}

// Save writes credentials to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func Save(path string, creds dropbox.Credentials) error {
	cf := File{Credentials: creds}

	if creds.Token != "" {
		cf.Token = &oauth2.Token{AccessToken: creds.Token, TokenType: "bearer"}
		cf.Credentials.Token = ""
	}

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("credfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credfile: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".creds-*.tmp")
	if err != nil {
		return fmt.Errorf("credfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close
	// and rename cannot leave an empty or partial file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the credential file. Returns nil if it does not exist.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}
