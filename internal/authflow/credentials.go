package authflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/sjson"
)

// WriteCredentialFile atomically replaces a credential file. The temp file is
// created in the same directory so the rename never crosses filesystems.
func WriteCredentialFile(path string, payload any) error {
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// MutateSettingsKey sets one dotted-path key in a JSON settings file,
// preserving everything else. A missing file starts from an empty object.
func MutateSettingsKey(path, key string, value any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		b = []byte("{}")
	}
	out, err := sjson.SetBytes(b, key, value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ClearOutcome reports how a clear-with-backup ended; both sides land in the
// session audit.
type ClearOutcome struct {
	Cleared  bool   `json:"cleared"`
	Restored bool   `json:"restored"`
	Backup   string `json:"backup,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ClearWithBackup removes an account file after copying it aside. If the
// clear fails the backup is restored. A missing source is a successful no-op.
func ClearWithBackup(path string) *ClearOutcome {
	out := &ClearOutcome{}
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			out.Cleared = true
			return out
		}
		out.Error = err.Error()
		return out
	}

	backup := path + ".bak"
	if err := os.WriteFile(backup, src, 0o600); err != nil {
		out.Error = fmt.Sprintf("backup failed: %v", err)
		return out
	}
	out.Backup = backup

	if err := os.Remove(path); err != nil {
		out.Error = fmt.Sprintf("clear failed: %v", err)
		if rerr := os.WriteFile(path, src, 0o600); rerr == nil {
			out.Restored = true
		}
		return out
	}
	out.Cleared = true
	return out
}
