package models

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const upgradeTimeout = 10 * time.Minute

// npmPackages maps engine names to the npm distributions their CLIs ship as.
var npmPackages = map[string]string{
	"codex":    "@openai/codex",
	"gemini":   "@google/gemini-cli",
	"iflow":    "@iflow-ai/iflow-cli",
	"opencode": "opencode-ai",
}

// UpgradeResult reports an engine CLI upgrade attempt.
type UpgradeResult struct {
	Engine        string `json:"engine"`
	Package       string `json:"package"`
	VersionBefore string `json:"version_before,omitempty"`
	VersionAfter  string `json:"version_after,omitempty"`
	OutputSnippet string `json:"output_snippet,omitempty"`
}

// UpgradeCLI installs the latest release of an engine's CLI through npm and
// re-probes the installed version. The cli argument is the binary name used
// for the before/after probes.
func UpgradeCLI(ctx context.Context, engine, cli string) (*UpgradeResult, error) {
	pkg, ok := npmPackages[strings.TrimSpace(engine)]
	if !ok {
		return nil, fmt.Errorf("no upgrade package known for engine %q", engine)
	}
	res := &UpgradeResult{Engine: engine, Package: pkg}
	res.VersionBefore, _ = ProbeCLIVersion(cli)

	ctx, cancel := context.WithTimeout(ctx, upgradeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "npm", "install", "-g", pkg+"@latest")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		res.OutputSnippet = truncateOutput(out.String(), 8_000)
		return res, fmt.Errorf("npm install %s failed: %w", pkg, err)
	}
	res.OutputSnippet = truncateOutput(out.String(), 2_000)
	res.VersionAfter, _ = ProbeCLIVersion(cli)
	return res, nil
}

func truncateOutput(s string, max int) string {
	t := strings.TrimSpace(s)
	if len(t) <= max {
		return t
	}
	return t[:max] + "...(truncated)"
}
