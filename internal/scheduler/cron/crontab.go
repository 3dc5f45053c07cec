package cron

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Crontab reads and replaces the user's crontab as a list of lines.
type Crontab interface {
	Read(ctx context.Context) ([]string, error)
	Write(ctx context.Context, lines []string) error
}

// SystemCrontab edits the crontab of the current user via the crontab(1) binary.
type SystemCrontab struct {
	Binary string // defaults to "crontab"
}

func (c SystemCrontab) binary() string {
	if c.Binary == "" {
		return "crontab"
	}
	return c.Binary
}

func (c SystemCrontab) Read(ctx context.Context) ([]string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary(), "-l")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A user without a crontab gets a non-zero exit and this message.
		if strings.Contains(strings.ToLower(stderr.String()), "no crontab for") {
			return nil, nil
		}
		return nil, fmt.Errorf("crontab -l: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return splitLines(stdout.String()), nil
}

func (c SystemCrontab) Write(ctx context.Context, lines []string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary(), "-")
	cmd.Stdin = strings.NewReader(joinLines(lines))
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("crontab -: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// joinLines renders a crontab file; cron ignores a last line without newline.
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
