package discovery

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grantwise/adam-acquisition/internal/template"
	"github.com/grantwise/adam-acquisition/internal/transport"
)

// ErrSessionClosed is returned by any Session method called after
// Finish or Cancel.
var ErrSessionClosed = errors.New("discovery: session closed")

// defaultCaptureWindow is how long Baseline/Step listen on the socket
// before treating silence as "this window is done" — an operator-paced
// capture flow where the scale keeps streaming on its own schedule and
// the session just timeboxes one window of it.
const defaultCaptureWindow = 2 * time.Second

// Session drives one interactive discovery run against a live scale
// connection: the operator places a known weight, calls Step, and
// repeats before calling Finish to run the correlation algorithm.
type Session struct {
	client       *transport.Client
	engine       *Engine
	repo         *template.Repository
	captureEvery time.Duration

	mu       sync.Mutex
	captures []RawCapture
	closed   bool
}

// NewSession creates a Session capturing over client. repo may be nil;
// when set, Finish persists an accepted template automatically.
func NewSession(client *transport.Client, engine *Engine, repo *template.Repository) *Session {
	if engine == nil {
		engine = NewEngine(0)
	}
	return &Session{client: client, engine: engine, repo: repo, captureEvery: defaultCaptureWindow}
}

// SetCaptureWindow overrides the per-step listen duration; used by
// tests to keep fixtures fast.
func (s *Session) SetCaptureWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureEvery = d
}

// Baseline captures one window with no weight on the scale. Must be
// called at most once and before Finish; a protocol that never
// observes a baseline has no way to tell stable from unstable.
func (s *Session) Baseline() error {
	data, err := s.capture()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, RawCapture{IsBaseline: true, Data: data})
	return nil
}

// Step captures one window with weightKG resting on the scale.
func (s *Session) Step(weightKG float64) error {
	data, err := s.capture()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, RawCapture{WeightKG: weightKG, Data: data})
	return nil
}

func (s *Session) capture() ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	window := s.captureEvery
	s.mu.Unlock()

	deadline := time.Now().Add(window)
	return s.client.Request(nil, deadline, func(conn net.Conn) ([]byte, error) {
		var buf bytes.Buffer
		tmp := make([]byte, 4096)
		for {
			n, err := conn.Read(tmp)
			if n > 0 {
				buf.Write(tmp[:n])
			}
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					// Window elapsed with no further data; this is the
					// expected way a capture window ends, not a failure.
					return buf.Bytes(), nil
				}
				return buf.Bytes(), err
			}
		}
	})
}

// Finish runs the correlation algorithm over everything captured so
// far. On an accepted Result, persists the template into repo (if one
// was supplied) before returning. The session is closed either way.
func (s *Session) Finish() (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrSessionClosed
	}
	captures := append([]RawCapture(nil), s.captures...)
	s.closed = true
	s.mu.Unlock()

	res, err := s.engine.Infer(captures)
	if err != nil {
		return Result{}, err
	}
	if res.Accepted && s.repo != nil {
		if err := s.repo.Put(res.Template); err != nil {
			return res, fmt.Errorf("discovery: accepted template failed to persist: %w", err)
		}
	}
	return res, nil
}

// Cancel discards the session's captures without running inference.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.captures = nil
}
