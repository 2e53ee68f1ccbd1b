// Package loader reads the strategy deployments file and keeps it hot: edits
// on disk become new snapshots without a restart. Parameters are checked
// against per-family JSON schemas before a snapshot is ever published.
package loader

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"cryptobots/internal/logger"
)

// Deployment is one configured strategy instance.
type Deployment struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Interval  string         `yaml:"interval"`
	AutoStart bool           `yaml:"auto_start"`
	Params    map[string]any `yaml:"params"`
}

type FileConfig struct {
	Deployments []Deployment `yaml:"deployments"`
}

// Snapshot is the published read-only view of the deployments file.
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Deployments []Deployment
}

// ChangeListener is invoked with a fresh snapshot after every reload.
type ChangeListener func(Snapshot)

type DeploymentLoader struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewDeploymentLoader reads the deployments file and starts watching it for
// changes. A file that fails validation at startup is fatal; a bad edit later
// keeps the previous snapshot and logs the problem.
func NewDeploymentLoader(path string) (*DeploymentLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("deployment loader requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read deployments file failed: %w", err)
	}
	l := &DeploymentLoader{path: path, v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := l.reload(); err != nil {
			logger.Errorf("deployments reload failed (%s): %v", evt.Name, err)
			return
		}
		l.notify()
	})
	v.WatchConfig()
	return l, nil
}

// Snapshot returns the current snapshot (deep copy).
func (l *DeploymentLoader) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe registers a listener and immediately delivers the current
// snapshot once.
func (l *DeploymentLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go func() {
		defer recoverListener()
		fn(snap)
	}()
}

func (l *DeploymentLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		if fn == nil {
			continue
		}
		go func(cb ChangeListener) {
			defer recoverListener()
			cb(snap)
		}(fn)
	}
}

func (l *DeploymentLoader) reload() error {
	cfg, err := readDeploymentsFile(l.path)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Deployments))
	for i := range cfg.Deployments {
		d := &cfg.Deployments[i]
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return fmt.Errorf("deployment %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate deployment name %q", d.Name)
		}
		seen[d.Name] = true
		if err := ValidateParams(d.Type, d.Params); err != nil {
			return fmt.Errorf("deployment %q: %w", d.Name, err)
		}
	}

	l.mu.Lock()
	l.snapshot = Snapshot{
		Version:     l.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Deployments: cfg.Deployments,
	}
	l.mu.Unlock()
	logger.Infof("deployment loader: %d deployment(s) from %s", len(cfg.Deployments), filepath.Base(l.path))
	return nil
}

func readDeploymentsFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read deployments file failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse deployments file failed: %w", err)
	}
	return cfg, nil
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	out.Deployments = make([]Deployment, len(in.Deployments))
	copy(out.Deployments, in.Deployments)
	return out
}

func recoverListener() {
	if r := recover(); r != nil {
		logger.Errorf("deployment listener panic: %v", r)
	}
}
