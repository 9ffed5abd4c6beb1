package aibridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const liveEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// State of one conversation session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateError      State = "error"
)

var (
	ErrNotActive       = errors.New("aibridge: session not active")
	ErrAlreadyStarted  = errors.New("aibridge: session already started")
	ErrSetupIncomplete = errors.New("aibridge: setup not acknowledged")
)

// Config for the AI conversation endpoint.
type Config struct {
	APIKey string
	Model  string
	Voice  string

	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.Model == "" {
		out.Model = "models/gemini-2.0-flash-exp"
	}
	if out.Voice == "" {
		out.Voice = "Aoede"
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	return out
}

// Callbacks deliver session output. They run on the session's read goroutine;
// keep them fast and hand heavy work off.
type Callbacks struct {
	// OnAudio receives 24kHz 16-bit mono PCM response chunks.
	OnAudio func(pcm []byte)
	// OnText receives response text fragments as they stream.
	OnText func(text string)
	// OnTurnComplete fires when the model finishes a response.
	OnTurnComplete func()
	// OnInterrupted fires when the caller spoke over the model.
	OnInterrupted func()
	// OnError fires on unexpected transport failures.
	OnError func(err error)
	// OnClosed fires exactly once after the session stops reading.
	OnClosed func()
}

// Session is one bidirectional audio conversation over a websocket. One
// session per call; never reused.
type Session struct {
	cfg Config
	cb  Callbacks
	log *slog.Logger

	// dial is swappable in tests.
	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu    sync.Mutex
	state State

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	closedCb  sync.Once
}

func NewSession(cfg Config, cb Callbacks, log *slog.Logger) *Session {
	return &Session{
		cfg: cfg.withDefaults(),
		cb:  cb,
		log: log,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
			header := make(http.Header)
			header.Set("Content-Type", "application/json")
			conn, _, err := dialer.DialContext(ctx, url, header)
			return conn, err
		},
		state: StateIdle,
		ready: make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Initialize connects, sends the setup message, and blocks until the endpoint
// acknowledges it. The session is ready for audio when this returns nil.
func (s *Session) Initialize(ctx context.Context, systemInstruction string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateConnecting
	s.mu.Unlock()

	url := fmt.Sprintf("%s?key=%s", liveEndpoint, s.cfg.APIKey)
	ws, err := s.dial(ctx, url)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("connect conversation endpoint: %w", err)
	}

	s.writeMu.Lock()
	s.ws = ws
	s.writeMu.Unlock()

	if err := s.sendJSON(setupMessage(s.cfg.Model, s.cfg.Voice, systemInstruction)); err != nil {
		s.Close()
		return fmt.Errorf("send setup: %w", err)
	}

	go s.readLoop()

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		s.setState(StateActive)
		return nil
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	case <-timer.C:
		s.Close()
		return ErrSetupIncomplete
	}
}

// SendAudio streams one chunk of 16kHz 16-bit mono PCM caller audio.
func (s *Session) SendAudio(pcm []byte) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	return s.sendJSON(audioMessage(pcm))
}

// SendText injects a text turn, used once to have the model speak the greeting.
func (s *Session) SendText(text string) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	return s.sendJSON(textMessage(text))
}

// Interrupt notes a local barge-in. The endpoint cuts its own response when
// new caller audio arrives; discarding already-queued playback is the
// caller's job.
func (s *Session) Interrupt() {
	s.log.Debug("conversation interrupted by caller")
}

// Close tears the session down. Safe to call any number of times, from any
// goroutine, in any state.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)

		s.writeMu.Lock()
		ws := s.ws
		s.writeMu.Unlock()
		if ws != nil {
			err = ws.Close()
		}
		s.setState(StateClosed)
	})
	return err
}

func (s *Session) sendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ws == nil {
		return ErrNotActive
	}
	return s.ws.WriteJSON(v)
}

func (s *Session) readLoop() {
	defer s.closedCb.Do(func() {
		if s.cb.OnClosed != nil {
			s.cb.OnClosed()
		}
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			switch s.State() {
			case StateClosing, StateClosed:
				// Expected during teardown.
			default:
				s.setState(StateError)
				if s.cb.OnError != nil {
					s.cb.OnError(err)
				}
			}
			return
		}
		s.handleRaw(raw)
	}
}

// handleRaw demultiplexes one server message into callbacks.
func (s *Session) handleRaw(raw []byte) {
	msg, err := parseServerMessage(raw)
	if err != nil {
		s.log.Warn("undecodable conversation message dropped", "err", err)
		return
	}

	if msg.SetupComplete != nil {
		s.readyOnce.Do(func() { close(s.ready) })
		return
	}

	content := msg.ServerContent
	if content == nil {
		return
	}

	if content.Interrupted {
		if s.cb.OnInterrupted != nil {
			s.cb.OnInterrupted()
		}
		return
	}
	if content.TurnComplete {
		if s.cb.OnTurnComplete != nil {
			s.cb.OnTurnComplete()
		}
		return
	}

	if content.ModelTurn != nil {
		for _, chunk := range content.ModelTurn.audioParts() {
			if s.cb.OnAudio != nil {
				s.cb.OnAudio(chunk)
			}
		}
		for _, text := range content.ModelTurn.textParts() {
			if s.cb.OnText != nil {
				s.cb.OnText(text)
			}
		}
	}
	if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
		if s.cb.OnText != nil {
			s.cb.OnText(content.OutputTranscription.Text)
		}
	}
}
