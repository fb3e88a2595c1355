package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/models"
	"github.com/akaytatsu/cortex-sub000/internal/recovery"
)

// skipDirs are directory names excluded from watching.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".cache":       true,
}

// Notifier receives external change notifications for a workspace. The
// gateway implements this and fans the notification out to every connection
// currently watching that workspace.
type Notifier interface {
	NotifyExternalChange(workspaceName string, change models.ExternalChange)
}

// workspaceWatch is one reference-counted fsnotify watcher for a workspace
// directory tree.
type workspaceWatch struct {
	name    string
	path    string
	watcher *fsnotify.Watcher
	refs    int
	done    chan struct{}
}

// Bridge watches actively-connected workspace directory trees for external
// changes. Watches are reference-counted per workspace: the first subscriber
// starts the watch, the last one leaving stops it.
type Bridge struct {
	notifier Notifier

	mu      sync.Mutex
	watches map[string]*workspaceWatch
	closed  bool
}

// NewBridge creates a file watch bridge delivering to notifier.
func NewBridge(notifier Notifier) *Bridge {
	return &Bridge{
		notifier: notifier,
		watches:  make(map[string]*workspaceWatch),
	}
}

// Subscribe adds a reference to the watch for workspaceName, starting it on
// first use.
func (b *Bridge) Subscribe(workspaceName, workspacePath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	if w, ok := b.watches[workspaceName]; ok {
		w.refs++
		logger.Debugf("Reusing watch for workspace %s (refs: %d)", workspaceName, w.refs)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w := &workspaceWatch{
		name:    workspaceName,
		path:    workspacePath,
		watcher: watcher,
		refs:    1,
		done:    make(chan struct{}),
	}

	if err := addRecursive(watcher, workspacePath); err != nil {
		_ = watcher.Close()
		return err
	}

	b.watches[workspaceName] = w
	recovery.SafeGo("watch-"+workspaceName, func() { b.run(w) })

	logger.Infof("Started file watch for workspace %s at %s", workspaceName, workspacePath)
	return nil
}

// Unsubscribe drops a reference; the watch stops when the last subscriber
// leaves. Unsubscribing a workspace without a watch is a no-op.
func (b *Bridge) Unsubscribe(workspaceName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.watches[workspaceName]
	if !ok {
		return
	}

	w.refs--
	if w.refs > 0 {
		logger.Debugf("Watch for workspace %s still has %d subscribers", workspaceName, w.refs)
		return
	}

	delete(b.watches, workspaceName)
	close(w.done)
	_ = w.watcher.Close()
	logger.Infof("Stopped file watch for workspace %s", workspaceName)
}

// Refs reports the subscriber count for a workspace watch.
func (b *Bridge) Refs(workspaceName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.watches[workspaceName]; ok {
		return w.refs
	}
	return 0
}

// Close stops every watch.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for name, w := range b.watches {
		close(w.done)
		_ = w.watcher.Close()
		delete(b.watches, name)
	}
}

// run pumps fsnotify events for one workspace until its watch is stopped.
func (b *Bridge) run(w *workspaceWatch) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			b.handleEvent(w, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Watch error for workspace %s: %v", w.name, err)
		}
	}
}

func (b *Bridge) handleEvent(w *workspaceWatch, event fsnotify.Event) {
	rel, err := filepath.Rel(w.path, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if skipDirs[part] {
			return
		}
	}

	// New directories must be added so nested changes keep arriving.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addRecursive(w.watcher, event.Name); err != nil {
				logger.Warnf("Failed to watch new directory %s: %v", event.Name, err)
			}
		}
	}

	op := opString(event.Op)
	if op == "" {
		return
	}

	if b.notifier != nil {
		b.notifier.NotifyExternalChange(w.name, models.ExternalChange{
			Workspace: w.name,
			Path:      rel,
			Op:        op,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func opString(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return "create"
	case op&fsnotify.Write == fsnotify.Write:
		return "write"
	case op&fsnotify.Remove == fsnotify.Remove:
		return "remove"
	case op&fsnotify.Rename == fsnotify.Rename:
		return "rename"
	default:
		return ""
	}
}

// addRecursive registers a directory and all its subdirectories, skipping
// noisy trees like .git and node_modules.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A directory vanishing mid-walk is not fatal to the watch.
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if skipDirs[info.Name()] && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
