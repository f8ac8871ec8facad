package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// TreeProvisioner implements WorkspaceProvisioner by copying the skill tree
// into <run>/.<engine>/skills/<id>/ and appending the SKILL.md patch
// (runtime output-path overrides plus the output schema section).
type TreeProvisioner struct {
	EngineName string
}

func (p *TreeProvisioner) Provision(ctx context.Context, tc *TurnContext) error {
	if p == nil || tc == nil {
		return errors.New("nil provisioner or turn context")
	}
	if strings.TrimSpace(tc.Skill.Dir) == "" {
		return errors.New("skill dir not set")
	}

	dst := filepath.Join(tc.RunDir, "."+p.EngineName, "skills", tc.Skill.ID)
	if err := copyTree(ctx, tc.Skill.Dir, dst); err != nil {
		return fmt.Errorf("provision skill tree: %w", err)
	}

	patch := strings.TrimSpace(tc.Skill.MarkdownPatch)
	if patch == "" {
		return nil
	}
	skillMD := filepath.Join(dst, "SKILL.md")
	existing, err := os.ReadFile(skillMD)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var sb strings.Builder
	sb.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		sb.WriteByte('\n')
	}
	sb.WriteString("\n")
	sb.WriteString(patch)
	sb.WriteString("\n")
	return WriteFileAtomic(skillMD, []byte(sb.String()), 0o600)
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		if !d.Type().IsRegular() {
			// Symlinks and devices are not copied into run workspaces.
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
