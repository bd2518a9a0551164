package configfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/atvirokodosprendimai/wsregistry/internal/core/domain"
	"github.com/atvirokodosprendimai/wsregistry/internal/core/ports"
	"go.uber.org/zap"
)

// FileInstaller writes the server configuration where the messaging server
// reads it. Readers never see a partial file: content goes to a temp file in
// the same directory and is renamed over the target.
type FileInstaller struct {
	path   string
	format string
	perm   fs.FileMode
	log    *zap.Logger

	mu sync.Mutex
}

var _ ports.ConfigInstaller = (*FileInstaller)(nil)

func NewFileInstaller(path string, log *zap.Logger) *FileInstaller {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileInstaller{path: path, format: FormatFor(path), perm: 0o600, log: log}
}

func (i *FileInstaller) Path() string {
	return i.path
}

// Install reports whether the file content changed. Unchanged content is not
// rewritten.
func (i *FileInstaller) Install(ctx context.Context, cfg domain.ServerConfig) (bool, error) {
	data, err := Render(cfg, i.format)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	current, err := os.ReadFile(i.path)
	switch {
	case err == nil && bytes.Equal(current, data):
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("read current config: %w", err)
	}

	if err := writeAtomic(i.path, data, i.perm); err != nil {
		return false, err
	}
	i.log.Debug("server config written", zap.String("path", i.path), zap.Int("bytes", len(data)))
	return true, nil
}

// Load reads back the installed configuration.
func (i *FileInstaller) Load() (domain.ServerConfig, error) {
	data, err := os.ReadFile(i.path)
	if err != nil {
		return domain.ServerConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, i.format)
}

func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}
