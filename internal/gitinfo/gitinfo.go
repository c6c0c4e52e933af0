// Package gitinfo reads repository status from the workspace with read-only
// git commands. The agent never mutates the repository.
package gitinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"github.com/hullworks/deckhand/schema"
)

// Run executes a git command in the provided directory.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	log := pslog.Ctx(ctx).With("dir", dir, "args", strings.Join(args, " "))
	log.Debug("git run start")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		preview := strings.TrimSpace(string(output))
		truncated := false
		if len(preview) > 200 {
			preview = preview[:200]
			truncated = true
		}
		log.Warn("git run failed", "err", err, "output", preview, "truncated", truncated)
		return string(output), fmt.Errorf("git %s failed: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	log.Debug("git run ok", "output_len", len(output))
	return string(output), nil
}

// Status assembles the repository status reply for dir. A directory that is
// not a repository is an error; missing upstream tracking only zeroes the
// ahead/behind counts.
func Status(ctx context.Context, dir string) (schema.GitStatusResultPayload, error) {
	branch, err := Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return schema.GitStatusResultPayload{}, err
	}

	result := schema.GitStatusResultPayload{
		Result: schema.OK(),
		Branch: strings.TrimSpace(branch),
	}
	// rev-parse reports the literal name HEAD when detached.
	if result.Branch == "HEAD" {
		result.Branch = "(detached)"
	}

	if remotes, err := Run(ctx, dir, "remote"); err == nil {
		for _, line := range strings.Split(remotes, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				result.Remotes = append(result.Remotes, line)
			}
		}
	}

	status, err := Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return schema.GitStatusResultPayload{}, err
	}
	for _, line := range strings.Split(status, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		result.StatusLines = append(result.StatusLines, line)
	}
	result.Clean = len(result.StatusLines) == 0

	// No upstream configured is the common case for fresh branches.
	if counts, err := Run(ctx, dir, "rev-list", "--left-right", "--count", "@{upstream}...HEAD"); err == nil {
		fields := strings.Fields(counts)
		if len(fields) == 2 {
			if behind, err := strconv.Atoi(fields[0]); err == nil {
				result.Behind = behind
			}
			if ahead, err := strconv.Atoi(fields[1]); err == nil {
				result.Ahead = ahead
			}
		}
	}
	return result, nil
}
