package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/harunnryd/voxgate/pkg/configutil"
	"github.com/harunnryd/voxgate/pkg/logging"
	"github.com/spf13/viper"
)

var credentialSchema = configutil.Schema{
	Optional: []string{"app_id", "access_key", "secret_key"},
}

// FileProvider reads credentials from the `asr` section of a settings file
// and keeps the last good snapshot in memory. Watch reloads the snapshot
// when the file changes; sessions already running keep their own copy.
type FileProvider struct {
	path   string
	logger *slog.Logger

	loadMu sync.Mutex
	v      *viper.Viper

	mu    sync.RWMutex
	creds Credentials
}

func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	v := viper.New()
	v.SetConfigFile(path)
	p := &FileProvider{
		path:   path,
		logger: logging.NewComponentLogger(logger, "settings"),
		v:      v,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file. On error the previous snapshot is kept.
func (p *FileProvider) Reload() error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if err := p.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read settings %s: %w", p.path, err)
	}
	return p.applyLocked()
}

// Watch starts watching the settings file for changes.
func (p *FileProvider) Watch() {
	p.v.OnConfigChange(func(ev fsnotify.Event) {
		p.loadMu.Lock()
		defer p.loadMu.Unlock()
		if err := p.applyLocked(); err != nil {
			p.logger.Warn("settings_reload_failed",
				slog.String("path", p.path),
				slog.String("error", err.Error()))
			return
		}
		p.logger.Info("settings_reloaded",
			slog.String("path", p.path),
			slog.String("op", ev.Op.String()))
	})
	p.v.WatchConfig()
}

func (p *FileProvider) applyLocked() error {
	raw := p.v.GetStringMap("asr")
	if err := configutil.ValidateSettings(raw, credentialSchema); err != nil {
		return fmt.Errorf("asr settings: %w", err)
	}
	var creds Credentials
	if err := configutil.DecodeSettings(raw, &creds); err != nil {
		return fmt.Errorf("decode asr settings: %w", err)
	}
	creds = creds.expand()
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) Credentials(context.Context) (Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.creds, nil
}

var _ Provider = (*FileProvider)(nil)
