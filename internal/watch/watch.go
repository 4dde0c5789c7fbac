// Package watch reports debounced file changes below an app's working directory.
package watch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 250 * time.Millisecond

// skipped directory names, never watched
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"__pycache__":  true,
}

type Config struct {
	Root     string
	Ignore   []string // globs relative to Root, or absolute paths
	Debounce time.Duration
}

// Watcher batches filesystem events and emits the changed paths once the
// tree has been quiet for the debounce window.
type Watcher struct {
	fs       *fsnotify.Watcher
	root     string
	ignore   []string
	debounce time.Duration

	changes chan []string
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func New(cfg Config) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("watch root is not a directory: " + root)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	d := cfg.Debounce
	if d <= 0 {
		d = DefaultDebounce
	}
	w := &Watcher{
		fs:       fsw,
		root:     root,
		ignore:   append([]string(nil), cfg.Ignore...),
		debounce: d,
		changes:  make(chan []string, 1),
		closeCh:  make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes delivers batches of changed paths relative to the root. It is
// closed by Close.
func (w *Watcher) Changes() <-chan []string { return w.changes }

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closeCh)
		err = w.fs.Close()
		w.wg.Wait()
		close(w.changes)
	})
	return err
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.Ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			slog.Debug("watch add failed", "path", p, "error", err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod || w.Ignored(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addTree(ev.Name)
				}
			}
			pending[w.rel(ev.Name)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Warn("watch error", "root", w.root, "error", err)
		case <-fire:
			fire = nil
			batch := make([]string, 0, len(pending))
			for p := range pending {
				batch = append(batch, p)
			}
			sort.Strings(batch)
			clear(pending)
			select {
			case w.changes <- batch:
			case <-w.closeCh:
				return
			}
		}
	}
}

// Ignored reports whether path is excluded from watching.
func (w *Watcher) Ignored(path string) bool {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, path)
	}
	rel := w.rel(abs)
	for _, part := range strings.Split(rel, "/") {
		if skipDirs[part] {
			return true
		}
	}
	for _, pat := range w.ignore {
		if filepath.IsAbs(pat) {
			if ok, _ := filepath.Match(pat, abs); ok || abs == pat || strings.HasPrefix(abs, pat+string(filepath.Separator)) {
				return true
			}
			continue
		}
		pat = filepath.ToSlash(strings.TrimPrefix(pat, "./"))
		if ok, _ := matchPath(pat, rel); ok {
			return true
		}
	}
	return false
}

// matchPath matches pat against rel or any of its parent directories, and
// patterns without a slash also against each path element.
func matchPath(pat, rel string) (bool, error) {
	for p := rel; p != "." && p != ""; {
		if ok, err := filepath.Match(pat, p); ok || err != nil {
			return ok, err
		}
		i := strings.LastIndexByte(p, '/')
		if i < 0 {
			break
		}
		p = p[:i]
	}
	if !strings.Contains(pat, "/") {
		for _, part := range strings.Split(rel, "/") {
			if ok, _ := filepath.Match(pat, part); ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (w *Watcher) rel(path string) string {
	r, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}
