// Package radio routes synthesis requests across TTS tiers and plays the
// results back to each listener in segment order.
package radio

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// TierSpec describes one synthesis tier. An empty language list means the
// tier serves every language.
type TierSpec struct {
	Name      string   `yaml:"name"`
	Provider  string   `yaml:"provider"`
	Engine    string   `yaml:"engine"`
	Model     string   `yaml:"model"`
	Encoding  string   `yaml:"encoding"`
	Languages []string `yaml:"languages"`
}

// VoiceSpec binds a voice name to its owning tier.
type VoiceSpec struct {
	Name      string   `yaml:"name"`
	Tier      string   `yaml:"tier"`
	Languages []string `yaml:"languages"`
}

type catalogFile struct {
	Tiers  []TierSpec  `yaml:"tiers"`
	Voices []VoiceSpec `yaml:"voices"`
}

// Catalog holds the tier and voice inventory. It starts from the embedded
// default, can be overridden from a YAML file, and hot-reloads on file
// changes.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	tiers  []TierSpec
	voices map[string]VoiceSpec
}

// NewCatalog loads the embedded default catalog, then the override file if
// path is non-empty.
func NewCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{path: path, logger: logger}

	if err := c.install(defaultCatalogYAML); err != nil {
		return nil, fmt.Errorf("embedded catalog: %w", err)
	}
	if path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read voice catalog %q: %w", path, err)
	}
	if err := c.install(data); err != nil {
		return fmt.Errorf("parse voice catalog %q: %w", path, err)
	}
	return nil
}

func (c *Catalog) install(data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	if len(f.Tiers) == 0 {
		return fmt.Errorf("catalog defines no tiers")
	}

	voices := make(map[string]VoiceSpec, len(f.Voices))
	for _, v := range f.Voices {
		voices[v.Name] = v
	}

	c.mu.Lock()
	c.tiers = f.Tiers
	c.voices = voices
	c.mu.Unlock()
	return nil
}

// Tiers returns the tiers in capability order, best first.
func (c *Catalog) Tiers() []TierSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TierSpec, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Tier returns the named tier spec.
func (c *Catalog) Tier(name string) (TierSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierSpec{}, false
}

// Voice returns the catalog entry for a named voice.
func (c *Catalog) Voice(name string) (VoiceSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.voices[name]
	return v, ok
}

// Supports reports whether a tier serves the given language tag.
func (t TierSpec) Supports(lang string) bool {
	if len(t.Languages) == 0 {
		return true
	}
	short := shortLang(lang)
	for _, l := range t.Languages {
		if l == short || l == lang {
			return true
		}
	}
	return false
}

// WatchAndReload watches the catalog file for changes and reloads it.
// Blocks until done closes. No-op when no override path is configured.
func (c *Catalog) WatchAndReload(done <-chan struct{}) error {
	if c.path == "" {
		<-done
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch %q: %w", c.path, err)
	}

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != c.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := c.loadFile(c.path); err != nil {
					c.logger.Warn("voice catalog reload failed, keeping previous",
						slog.Any("error", err))
					continue
				}
				c.logger.Info("voice catalog reloaded", slog.String("path", c.path))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func shortLang(lang string) string {
	for i := 0; i < len(lang); i++ {
		if lang[i] == '-' || lang[i] == '_' {
			return lang[:i]
		}
	}
	return lang
}
