package plans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// fileFormat is the on-disk layout of the plans file
type fileFormat struct {
	Plans []*Plan `yaml:"plans"`
}

// UnmarshalYAML applies file defaults: plans are active and priced in usd
// unless the file says otherwise.
func (p *Plan) UnmarshalYAML(value *yaml.Node) error {
	type plain Plan
	raw := plain{Active: true, Currency: "usd"}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = Plan(raw)
	return nil
}

// ParseYAML decodes plan definitions
func ParseYAML(data []byte) ([]*Plan, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plans: %w", err)
	}
	return f.Plans, nil
}

// MarshalYAML renders plans in the plans file layout
func MarshalYAML(all []*Plan) ([]byte, error) {
	return yaml.Marshal(fileFormat{Plans: all})
}

// LoadFile reads and parses a plans file
func LoadFile(path string) ([]*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file: %w", err)
	}
	return ParseYAML(data)
}

// FileWatcher reloads a Registry whenever its plans file changes
type FileWatcher struct {
	path     string
	registry *Registry
	logger   *observability.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// WatchFile loads path into registry and keeps it in sync until ctx is done or
// Close is called. Invalid edits are logged and the previous plan set stays live.
func WatchFile(ctx context.Context, path string, registry *Registry, logger *observability.Logger) (*FileWatcher, error) {
	all, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := registry.Replace(all); err != nil {
		return nil, fmt.Errorf("invalid plans file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and config-map mounts replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch plans directory: %w", err)
	}

	fw := &FileWatcher{
		path:     filepath.Clean(path),
		registry: registry,
		logger:   logger.WithField("plans_file", path),
		debounce: 200 * time.Millisecond,
		watcher:  watcher,
		done:     make(chan struct{}),
	}
	go fw.run(ctx)
	return fw, nil
}

func (fw *FileWatcher) run(ctx context.Context) {
	defer close(fw.done)
	defer observability.RecoverPanic(fw.logger, "plans watcher")

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fw.debounce)
			} else {
				timer.Reset(fw.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			fw.reload()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Warn("plans watcher error")
		}
	}
}

func (fw *FileWatcher) reload() {
	all, err := LoadFile(fw.path)
	if err != nil {
		fw.logger.WithError(err).Error("failed to reload plans")
		return
	}
	if err := fw.registry.Replace(all); err != nil {
		fw.logger.WithError(err).Error("rejected plans file")
		return
	}
	fw.logger.WithField("plans", len(all)).Info("plans reloaded")
}

// Close stops watching
func (fw *FileWatcher) Close() error {
	err := fw.watcher.Close()
	<-fw.done
	return err
}
