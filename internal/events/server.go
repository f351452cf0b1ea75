// Package events receives activity notifications from the host application
// over a Unix socket and fans them out to subscribed handlers.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/goodtune/kstats/internal/stats"
	"github.com/rs/zerolog"
)

const maxLineSize = 64 * 1024

var errUnknownType = errors.New("unknown event type")

// Server listens on a Unix socket for newline-delimited JSON events. It
// implements stats.Source.
type Server struct {
	sockPath string
	listener net.Listener
	owned    bool // the socket file was created by Start
	logger   zerolog.Logger

	mu       sync.RWMutex
	handlers []stats.Handler

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates an event server bound to sockPath once started.
func NewServer(sockPath string, logger zerolog.Logger) *Server {
	return &Server{
		sockPath: sockPath,
		logger:   logger.With().Str("component", "events").Logger(),
		done:     make(chan struct{}),
	}
}

// SetListener sets a pre-created listener (e.g., from systemd socket activation)
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start begins accepting connections. Without a pre-set listener it binds
// sockPath, removing a stale socket left by a previous run.
func (s *Server) Start() error {
	if s.listener == nil {
		if _, err := os.Stat(s.sockPath); err == nil {
			conn, err := net.DialTimeout("unix", s.sockPath, 500*time.Millisecond)
			if err == nil {
				conn.Close()
				return fmt.Errorf("event socket already in use at %s", s.sockPath)
			}
			os.Remove(s.sockPath)
		}

		ln, err := net.Listen("unix", s.sockPath)
		if err != nil {
			return fmt.Errorf("failed to listen on event socket: %w", err)
		}
		s.listener = ln
		s.owned = true
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Event socket listening")
	return nil
}

// Stop closes the listener and open connections and waits for them to
// finish. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		if s.owned {
			os.Remove(s.sockPath)
		}
	})
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.sockPath
}

// Subscribe registers h for every subsequent event.
func (s *Server) Subscribe(h stats.Handler) error {
	if h == nil {
		return errors.New("nil event handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.handlers {
		if existing == h {
			return nil
		}
	}
	s.handlers = append(s.handlers, h)
	return nil
}

// Unsubscribe removes h. Unknown handlers are ignored.
func (s *Server) Unsubscribe(h stats.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.handlers {
		if existing == h {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock the scanner on shutdown.
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-s.done:
			conn.Close()
		case <-closed:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.writeResponse(conn, Response{Error: "invalid event JSON"})
			continue
		}

		s.writeResponse(conn, s.Dispatch(ev))
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-s.done:
		default:
			s.logger.Debug().Err(err).Msg("Event connection closed with error")
		}
	}
}

// Dispatch delivers ev to every subscribed handler.
func (s *Server) Dispatch(ev Event) Response {
	deliver, err := s.route(ev)
	if err != nil {
		s.logger.Debug().Err(err).Str("type", ev.Type).Msg("Rejected event")
		return Response{Error: err.Error()}
	}
	if deliver == nil {
		return Response{OK: true, Ignored: true}
	}

	s.mu.RLock()
	handlers := make([]stats.Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		deliver(h)
	}
	return Response{OK: true}
}

// route maps an event to a handler call. A nil func means the event is
// valid but carries nothing to count.
func (s *Server) route(ev Event) (func(stats.Handler), error) {
	switch ev.Type {
	case TypeVoice, aliasVoice:
		switch ev.State {
		case StateConnected:
			return func(h stats.Handler) { h.VoiceStateChanged(true) }, nil
		case StateDisconnected:
			return func(h stats.Handler) { h.VoiceStateChanged(false) }, nil
		case "":
			return nil, errors.New("voice event without state")
		default:
			return nil, nil
		}
	case TypeMessage, aliasMessage:
		if ev.AuthorID == "" {
			return nil, errors.New("message event without author_id")
		}
		author := ev.AuthorID
		return func(h stats.Handler) { h.MessageSent(author) }, nil
	case TypeClick:
		return func(h stats.Handler) { h.Click() }, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownType, ev.Type)
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}
