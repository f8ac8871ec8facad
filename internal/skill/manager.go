package skill

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/floegence/skillrunner/internal/errcode"
)

// ManifestFile is the manifest location relative to a skill root.
const ManifestFile = "assets/runner.json"

// Manager resolves installed skills under <dataDir>/skills and materialized
// temp skills. All lookups re-read the manifest from disk so edits to an
// installed skill take effect on the next submit.
type Manager struct {
	skillsDir string
	logger    *slog.Logger
}

// NewManager creates a Manager rooted at dataDir.
func NewManager(dataDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		skillsDir: filepath.Join(dataDir, "skills"),
		logger:    logger.With("component", "skill"),
	}
}

// SkillsDir returns the installed-skills root.
func (mg *Manager) SkillsDir() string {
	return mg.skillsDir
}

// Load resolves an installed skill by id.
func (mg *Manager) Load(id string) (*Manifest, error) {
	id = strings.TrimSpace(id)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, errcode.New(errcode.SkillNotFound, "invalid skill id %q", id)
	}
	return mg.LoadDir(filepath.Join(mg.skillsDir, id), id)
}

// LoadDir parses the manifest at dir. wantID, when non-empty, must match the
// manifest id; a mismatch between directory name and manifest is a defect in
// the installed skill, not a lookup miss.
func (mg *Manager) LoadDir(dir, wantID string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.SkillNotFound, "skill %q is not installed", wantID)
		}
		return nil, errcode.New(errcode.SkillInvalid, "%s", err.Error())
	}
	m, err := ParseManifest(b, dir)
	if err != nil {
		return nil, errcode.New(errcode.SkillInvalid, "%s", err.Error())
	}
	if wantID != "" && m.ID != wantID {
		return nil, errcode.New(errcode.SkillInvalid,
			"manifest id %q does not match skill directory %q", m.ID, wantID)
	}
	if _, err := os.Stat(filepath.Join(dir, "SKILL.md")); err != nil {
		return nil, errcode.New(errcode.SkillInvalid, "skill %s: missing SKILL.md", m.ID)
	}
	return m, nil
}

// List enumerates installed skills, skipping entries whose manifest fails to
// parse (they are logged, not fatal).
func (mg *Manager) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(mg.skillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		m, err := mg.Load(e.Name())
		if err != nil {
			mg.logger.Warn("skipping unloadable skill", "skill_id", e.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
