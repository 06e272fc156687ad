package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WatchLogLevel watches the config file and invokes apply whenever the
// observability.log_level value changes. Only the log level is hot
// reloadable; every other knob requires a restart. Returns a stop
// function. A missing or unparseable file on reload is logged by the
// caller via onErr and the previous level stays in effect.
func WatchLogLevel(ctx context.Context, path string, apply func(level string), onErr func(error)) (func(), error) {
	if path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save
	// and a file watch would be lost after the first rename.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	last := readLogLevel(path)
	done := make(chan struct{})

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				level := readLogLevel(path)
				if level == "" || level == last {
					continue
				}
				last = level
				apply(level)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			}
		}
	}()

	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}, nil
}

func readLogLevel(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var cfg struct {
		Observability struct {
			LogLevel string `yaml:"log_level"`
		} `yaml:"observability"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	level := strings.ToLower(cfg.Observability.LogLevel)
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return level
	}
	return ""
}
