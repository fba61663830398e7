package rulestore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch reloads the rules file after it changes. The parent directory is
// watched so that editors replacing the file by rename are seen too.
func (s *Store) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rulestore: watch: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.cfg.Path)
	name := filepath.Base(s.cfg.Path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("rulestore: watch %s: %w", dir, err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.cfg.Debounce)
			} else {
				timer.Reset(s.cfg.Debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("rules file watch error", "error", err)
		case <-timerCh:
			timerCh = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("rules reload failed, keeping previous rules",
					"path", s.cfg.Path,
					"error", err,
				)
			}
		}
	}
}
