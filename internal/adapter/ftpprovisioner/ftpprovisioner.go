// Package ftpprovisioner implements the narrow upload.FTPProvisioner
// contract against the local filesystem. The FTP server itself (the
// process-wide thread pool that actually speaks the FTP protocol) is out
// of scope for this repository; this adapter only does the two things the
// coordinator needs for internal-FTP uploads: create the measurement's
// home directory and record the ephemeral credentials an operator-run FTP
// daemon would consume from a shared user store.
package ftpprovisioner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ecal-fleet/rec-coordinator/internal/upload"
)

// Local provisions ephemeral FTP users by writing their credentials to a
// JSON user-store file an external FTP daemon polls, and by creating their
// home directory on the local filesystem.
type Local struct {
	userStorePath string
	log           *slog.Logger

	mu    sync.Mutex
	users map[string]upload.InternalFTPUser
}

// New constructs a Local provisioner. userStorePath is the JSON file the
// FTP daemon reads its user list from; an empty path disables persisting
// to disk (useful for tests), keeping the in-memory registry only.
func New(userStorePath string, log *slog.Logger) *Local {
	if log == nil {
		log = slog.Default()
	}
	return &Local{userStorePath: userStorePath, log: log.With(slog.String("component", "ftpprovisioner")), users: make(map[string]upload.InternalFTPUser)}
}

// EnsureDir creates path (and parents) if it does not already exist.
func (l *Local) EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("ftpprovisioner: ensure dir %q: %w", path, err)
	}
	return nil
}

// ProvisionUser registers user in the in-memory registry and, if a user
// store path is configured, persists the full registry to disk.
func (l *Local) ProvisionUser(user upload.InternalFTPUser) error {
	if err := l.EnsureDir(user.HomeDir); err != nil {
		return err
	}
	l.mu.Lock()
	l.users[user.Username] = user
	snapshot := make(map[string]upload.InternalFTPUser, len(l.users))
	for k, v := range l.users {
		snapshot[k] = v
	}
	l.mu.Unlock()

	l.log.Info("provisioned internal ftp user", slog.String("username", user.Username), slog.String("home_dir", user.HomeDir))
	if l.userStorePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("ftpprovisioner: marshal user store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.userStorePath), 0o750); err != nil {
		return fmt.Errorf("ftpprovisioner: ensure user store dir: %w", err)
	}
	if err := os.WriteFile(l.userStorePath, data, 0o640); err != nil {
		return fmt.Errorf("ftpprovisioner: write user store: %w", err)
	}
	return nil
}
