package drift

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/session"
)

// AlertCallback is called when a watched session drifts
type AlertCallback func(s *session.Session, r Report)

// Monitor watches the context mirrors of running sessions and checks each one
// after its writes settle.
type Monitor struct {
	detector *Detector
	watcher  *fsnotify.Watcher
	onAlert  AlertCallback
	debounce time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session // by mirror path
	dirs     map[string]int
	pending  map[string]struct{}
	alerted  map[string]string // session id -> last signals
	timer    *time.Timer
	stopped  bool
	flushes  sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. Call Start before adding sessions.
func NewMonitor(detector *Detector, debounce time.Duration, onAlert AlertCallback, logger *zap.Logger) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		detector: detector,
		watcher:  watcher,
		onAlert:  onAlert,
		debounce: debounce,
		logger:   logger.Named("drift"),
		sessions: make(map[string]*session.Session),
		dirs:     make(map[string]int),
		pending:  make(map[string]struct{}),
		alerted:  make(map[string]string),
		done:     make(chan struct{}),
	}, nil
}

// Add starts watching a session's context mirror
func (m *Monitor) Add(s *session.Session) error {
	path := s.MirrorPath()
	dir := filepath.Dir(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[path]; ok {
		return nil
	}
	if m.dirs[dir] == 0 {
		if err := m.watcher.Add(dir); err != nil {
			return err
		}
	}
	m.dirs[dir]++
	m.sessions[path] = s
	return nil
}

// Remove stops watching a session
func (m *Monitor) Remove(s *session.Session) {
	path := s.MirrorPath()
	dir := filepath.Dir(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[path]; !ok {
		return
	}
	delete(m.sessions, path)
	delete(m.pending, path)
	delete(m.alerted, s.ID)
	m.dirs[dir]--
	if m.dirs[dir] == 0 {
		delete(m.dirs, dir)
		m.watcher.Remove(dir)
	}
}

// Watching returns the number of watched sessions
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Start processes file events until ctx is done or Stop is called
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	go func() {
		defer close(m.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-m.watcher.Events:
				if !ok {
					return
				}
				m.handleEvent(event)
			case err, ok := <-m.watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("watch error", zap.Error(err))
			}
		}
	}()
}

// Stop ends watching and waits for the event loop and any running check to
// exit. No alert fires after Stop returns.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil && m.timer.Stop() {
		m.flushes.Done()
	}
	m.mu.Unlock()
	m.flushes.Wait()
	m.watcher.Close()
}

func (m *Monitor) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".context") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, ok := m.sessions[event.Name]; !ok {
		return
	}
	m.pending[event.Name] = struct{}{}
	if m.timer != nil && m.timer.Stop() {
		m.flushes.Done()
	}
	m.flushes.Add(1)
	m.timer = time.AfterFunc(m.debounce, func() {
		defer m.flushes.Done()
		m.flush()
	})
}

// CheckNow checks every watched session immediately
func (m *Monitor) CheckNow() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	for path := range m.sessions {
		m.pending[path] = struct{}{}
	}
	m.flushes.Add(1)
	m.mu.Unlock()
	defer m.flushes.Done()
	m.flush()
}

func (m *Monitor) flush() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	var due []*session.Session
	for path := range m.pending {
		if s, ok := m.sessions[path]; ok {
			due = append(due, s)
		}
	}
	m.pending = make(map[string]struct{})
	m.mu.Unlock()

	for _, s := range due {
		r := m.detector.Check(s)
		if r.OK {
			continue
		}
		key := strings.Join(r.Signals, "|")

		m.mu.Lock()
		_, watched := m.sessions[s.MirrorPath()]
		repeat := m.alerted[s.ID] == key
		if watched {
			m.alerted[s.ID] = key
		}
		m.mu.Unlock()
		if !watched || repeat {
			continue
		}

		m.logger.Warn("context drift",
			zap.String("task", s.TaskID),
			zap.String("session", s.ID),
			zap.Strings("reasons", r.Reasons))
		if m.onAlert != nil {
			m.onAlert(s, r)
		}
	}
}
