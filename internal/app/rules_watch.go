package app

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "rolemail/pkg/logx"
)

// rulesWatcher re-runs reload when one of the rule documents changes on
// disk. Watches the parent directories so atomic saves (write temp + rename)
// are seen.
type rulesWatcher struct {
	files  map[string]bool // basename -> watched
	dirs   []string
	reload func() error
	log    logx.Logger
}

func newRulesWatcher(paths []string, reload func() error, log logx.Logger) *rulesWatcher {
	files := make(map[string]bool, len(paths))
	seen := map[string]bool{}
	var dirs []string
	for _, p := range paths {
		files[strings.ToLower(filepath.Base(p))] = true
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return &rulesWatcher{files: files, dirs: dirs, reload: reload, log: log}
}

func (rw *rulesWatcher) run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	const backoffMax = 5 * time.Second

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	stopTimer := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
	defer stopTimer()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if ctx.Err() != nil {
				return
			}
			if err := rw.reload(); err != nil {
				rw.log.Warn("rule reload failed; keeping previous table", logx.Err(err))
			}
		})
	}

	for {
		if ctx.Err() != nil {
			return
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			for _, d := range rw.dirs {
				if err = w.Add(d); err != nil {
					_ = w.Close()
					break
				}
			}
		}
		if err != nil {
			rw.log.Warn("rules watch setup failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = 250 * time.Millisecond

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if rw.files[strings.ToLower(filepath.Base(ev.Name))] {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					rw.log.Warn("rules watch error", logx.Err(err))
				}
			}
		}

		_ = w.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}
