package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CodeBootstrapper はホスト側にブリッジのソースコードを用意する。
type CodeBootstrapper interface {
	Ensure(ctx context.Context, path string) error
}

// GitBootstrapper はgit cloneでブリッジのコードを取得する。
type GitBootstrapper struct {
	repo   string
	git    string
	logger *slog.Logger
}

// NewGitBootstrapper はGitBootstrapperを生成する。
func NewGitBootstrapper(repo string, logger *slog.Logger) *GitBootstrapper {
	return &GitBootstrapper{repo: repo, git: "git", logger: logger}
}

// Ensure はpath/server.phpが無ければリポジトリをcloneし、
// .env.docker.example を .env.docker としてコピーする。
func (g *GitBootstrapper) Ensure(ctx context.Context, path string) error {
	if _, err := os.Stat(filepath.Join(path, "server.php")); err == nil {
		return nil
	}
	if g.repo == "" {
		return errors.New("bridge code is missing and no repository is configured")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	g.logger.Info("ブリッジのコードを取得します",
		slog.String("repo", g.repo),
		slog.String("path", path),
	)

	var stderr strings.Builder
	cmd := exec.CommandContext(ctx, g.git, "clone", "--depth", "1", g.repo, path)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("git clone exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("git clone failed: %w", err)
	}

	src := filepath.Join(path, ".env.docker.example")
	dst := filepath.Join(path, ".env.docker")
	if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
		if err := copyFile(src, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to prepare .env.docker: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
