package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher keeps the latest valid Config for a file on disk. Invalid edits are
// logged and ignored; the previous config stays in effect.
type Watcher struct {
	path string
	fw   *fsnotify.Watcher

	mu       sync.RWMutex
	cfg      Config
	handlers []func(Config)

	done chan struct{}
	wg   sync.WaitGroup
}

// Watch starts watching path. The parent directory is watched rather than the
// file itself because most editors save by rename, which drops a file watch.
func Watch(path string, initial Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path: abs,
		fw:   fw,
		cfg:  initial,
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Identity returns the current local profile.
func (w *Watcher) Identity() Identity {
	return w.Current().Identity
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	err := w.fw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnw("config watch error", "path", w.path, "err", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		// Partial writes land here too; the next write event retries.
		log.Debugw("config reload skipped", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	handlers := make([]func(Config), len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	log.Infow("config reloaded", "path", w.path, "display_name", cfg.Identity.DisplayName)
	for _, fn := range handlers {
		fn(cfg)
	}
}
