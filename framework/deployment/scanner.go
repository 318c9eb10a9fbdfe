package deployment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/km-arc/go-mc/framework/descriptor"
	"github.com/km-arc/go-mc/framework/msc"
)

// DefaultDebounce is how long the scanner waits for a burst of file events
// to settle before acting.
const DefaultDebounce = 500 * time.Millisecond

// Deployer is what the Scanner drives. *Manager implements it.
type Deployer interface {
	Deploy(ctx context.Context, name string, beans []*descriptor.Bean) (*msc.Report, error)
	Undeploy(ctx context.Context, name string) error
}

var _ Deployer = (*Manager)(nil)

// Scanner deploys the descriptor files of one directory and, while
// watching, redeploys files that change and undeploys files that go away.
type Scanner struct {
	dir      string
	pattern  string
	debounce time.Duration
	target   Deployer
	log      *zap.Logger

	mu    sync.Mutex
	known map[string]string // path → deployment name
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithPattern sets the file name glob. The default is DefaultPattern.
func WithPattern(p string) ScannerOption {
	return func(s *Scanner) {
		if p != "" {
			s.pattern = p
		}
	}
}

// WithDebounce sets the settle delay. The default is DefaultDebounce.
func WithDebounce(d time.Duration) ScannerOption {
	return func(s *Scanner) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithScanLogger sets the logger. The default discards.
func WithScanLogger(l *zap.Logger) ScannerOption { return func(s *Scanner) { s.log = l } }

// NewScanner creates a scanner for dir.
func NewScanner(dir string, target Deployer, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		dir:      dir,
		pattern:  DefaultPattern,
		debounce: DefaultDebounce,
		target:   target,
		log:      zap.NewNop(),
		known:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := filepath.Match(s.pattern, ""); err != nil {
		s.log.Warn("bad pattern, using default", zap.String("pattern", s.pattern), zap.Error(err))
		s.pattern = DefaultPattern
	}
	return s
}

// Scan deploys every matching file, in name order. A file that fails to
// deploy is logged and the scan goes on; the errors are joined.
func (s *Scanner) Scan(ctx context.Context) error {
	paths, err := filepath.Glob(filepath.Join(s.dir, s.pattern))
	if err != nil {
		return fmt.Errorf("deployment: scan %s: %w", s.dir, err)
	}
	sort.Strings(paths)

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := s.deploy(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch reacts to changes in the directory until ctx is done. Call Scan
// first for the files already there.
func (s *Scanner) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("deployment: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("deployment: watch %s: %w", s.dir, err)
	}
	s.log.Info("watching deployments", zap.String("dir", s.dir), zap.String("pattern", s.pattern))

	pending := make(map[string]bool)
	timer := time.NewTimer(s.debounce)
	timer.Stop()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !s.matches(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.log.Debug("deployment file changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			pending[ev.Name] = true
			timer.Reset(s.debounce)

		case <-timer.C:
			s.apply(ctx, pending)
			pending = make(map[string]bool)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error("watcher error", zap.Error(err))

		case <-ctx.Done():
			s.log.Info("stopped watching deployments", zap.String("dir", s.dir))
			return nil
		}
	}
}

func (s *Scanner) apply(ctx context.Context, pending map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			if err := s.deploy(ctx, p); err != nil {
				s.log.Error("redeploy failed", zap.String("file", p), zap.Error(err))
			}
			continue
		}
		name, ok := s.known[p]
		if !ok {
			continue
		}
		delete(s.known, p)
		if err := s.target.Undeploy(ctx, name); err != nil {
			s.log.Error("undeploy failed", zap.String("file", p), zap.Error(err))
		}
	}
}

// deploy loads and deploys path. Caller holds s.mu.
func (s *Scanner) deploy(ctx context.Context, path string) error {
	doc, err := LoadFile(path)
	if err != nil {
		return err
	}
	// The document was renamed: the old deployment goes away.
	if old, ok := s.known[path]; ok && old != doc.Name {
		if err := s.target.Undeploy(ctx, old); err != nil {
			s.log.Warn("undeploy failed", zap.String("deployment", old), zap.Error(err))
		}
	}
	s.known[path] = doc.Name

	if _, err := s.target.Deploy(ctx, doc.Name, doc.Beans); err != nil {
		return fmt.Errorf("deploy %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Scanner) matches(path string) bool {
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return false
	}
	ok, _ := filepath.Match(s.pattern, filepath.Base(path))
	return ok
}
