package orchestrator

import (
	"archive/zip"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/floegence/skillrunner/internal/canonjson"
)

// BundleManifestEntry describes one packed file.
type BundleManifestEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// BundleManifest accompanies each bundle ZIP.
type BundleManifest struct {
	Files []BundleManifestEntry `json:"files"`
}

// BuildBundles produces the normal bundle (result + artifacts) and the debug
// bundle (entire run dir) under <run>/bundle/, each with a SHA-256 manifest
// that is also packed into its ZIP.
func BuildBundles(runDir string) error {
	bundleDir := filepath.Join(runDir, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return err
	}

	normal, err := collectFiles(runDir, func(rel string) bool {
		return rel == "result/result.json" || strings.HasPrefix(rel, "artifacts/")
	})
	if err != nil {
		return err
	}
	if err := writeBundle(runDir, bundleDir, "run_bundle.zip", "manifest.json", normal); err != nil {
		return err
	}

	debug, err := collectFiles(runDir, func(rel string) bool {
		// The bundle outputs themselves stay out of the debug bundle.
		return !strings.HasPrefix(rel, "bundle/")
	})
	if err != nil {
		return err
	}
	return writeBundle(runDir, bundleDir, "run_bundle_debug.zip", "manifest_debug.json", debug)
}

func collectFiles(runDir string, keep func(rel string) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(runDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(runDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if keep(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func writeBundle(runDir, bundleDir, zipName, manifestName string, rels []string) error {
	manifest := BundleManifest{Files: make([]BundleManifestEntry, 0, len(rels))}
	for _, rel := range rels {
		abs := filepath.Join(runDir, filepath.FromSlash(rel))
		sum, err := canonjson.HashFile(abs)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, BundleManifestEntry{
			Path:   rel,
			Size:   info.Size(),
			SHA256: sum,
		})
	}

	mb, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	mb = append(mb, '\n')
	manifestPath := filepath.Join(bundleDir, manifestName)
	if err := writeFileAtomic(manifestPath, mb); err != nil {
		return err
	}

	zipPath := filepath.Join(bundleDir, zipName)
	tmp := zipPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	fail := func(err error) error {
		_ = zw.Close()
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}

	for _, rel := range rels {
		w, err := zw.Create(rel)
		if err != nil {
			return fail(err)
		}
		src, err := os.Open(filepath.Join(runDir, filepath.FromSlash(rel)))
		if err != nil {
			return fail(err)
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			return fail(err)
		}
	}
	// The manifest rides inside its own ZIP.
	w, err := zw.Create(manifestName)
	if err != nil {
		return fail(err)
	}
	if _, err := w.Write(mb); err != nil {
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		return fail(err)
	}
	return os.Rename(tmp, zipPath)
}
