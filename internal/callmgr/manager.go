package callmgr

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-gateway/internal/aibridge"
	"voice-gateway/internal/audio"
	"voice-gateway/internal/callerid"
	"voice-gateway/internal/esl"
	"voice-gateway/internal/ratelimit"
)

// Engine is the slice of the control connection the manager drives.
// *esl.Client satisfies it.
type Engine interface {
	Answer(ctx context.Context, uuid string) error
	Broadcast(ctx context.Context, uuid, path string) error
	Transfer(ctx context.Context, uuid, destination string) error
	Hangup(ctx context.Context, uuid, cause string) error
	StartRecording(ctx context.Context, uuid, path string) error
	StopRecording(ctx context.Context, uuid, path string) error
}

// Conversation is one AI session. *aibridge.Session satisfies it.
type Conversation interface {
	Initialize(ctx context.Context, systemInstruction string) error
	SendAudio(pcm []byte) error
	SendText(text string) error
	Close() error
}

// ConversationFactory builds a fresh session per call with its callbacks.
type ConversationFactory func(cb aibridge.Callbacks) Conversation

// Admitter decides whether a caller may place a call right now.
type Admitter interface {
	CheckAndConsume(ctx context.Context, callerID, lineID string) ratelimit.Decision
}

// HealthGate answers whether the call path is currently usable.
type HealthGate interface {
	CanAcceptCalls() bool
}

// Resolver turns raw caller ids into identities and greetings.
type Resolver interface {
	Resolve(ctx context.Context, rawCallerID string, line callerid.LineInfo) callerid.Resolution
}

// Media transcodes between telephony and AI audio formats.
type Media interface {
	ProcessIncoming(chunk []byte) []byte
	ProcessOutgoing(pcm []byte, format audio.OutputFormat) (string, error)
}

type speechDetector interface {
	DetectSpeechEnd(window []byte) bool
	Reset()
}

// Config bounds the manager's supervision of live calls.
type Config struct {
	MaxConcurrent   int
	MaxCallDuration time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration

	// RecordingDir enables engine-side call recording when set.
	RecordingDir string
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 10
	}
	if out.MaxCallDuration <= 0 {
		out.MaxCallDuration = 30 * time.Minute
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 10 * time.Second
	}
	return out
}

// commandTimeout bounds engine commands issued from event handlers.
const commandTimeout = 5 * time.Second

// Manager owns every live call: admission, the per-call state machine, the
// audio path between the engine and the AI session, and teardown.
//
// Calls are indexed twice, by gateway id and by engine channel uuid, so both
// admin requests and engine events find them in one lookup.
type Manager struct {
	engine   Engine
	store    Store
	limiter  Admitter
	health   HealthGate
	resolver Resolver
	media    Media

	newConversation ConversationFactory
	newDetector     func() speechDetector

	cfg   Config
	log   *slog.Logger
	clock func() time.Time
	newID func() string

	mu     sync.Mutex
	byID   map[string]*ActiveCall
	byUUID map[string]string

	wmu     sync.Mutex
	workers map[string]*channelWorker
}

// channelQueueSize bounds the per-channel event backlog; the engine emits a
// handful of events per call, so hitting this means the handler is wedged.
const channelQueueSize = 64

type channelWorker struct {
	events chan esl.Event
}

func NewManager(
	engine Engine,
	store Store,
	limiter Admitter,
	health HealthGate,
	resolver Resolver,
	media Media,
	newConversation ConversationFactory,
	cfg Config,
	log *slog.Logger,
) *Manager {
	return &Manager{
		engine:          engine,
		store:           store,
		limiter:         limiter,
		health:          health,
		resolver:        resolver,
		media:           media,
		newConversation: newConversation,
		newDetector: func() speechDetector {
			return audio.NewSpeechEndDetector(0, 0)
		},
		cfg:     cfg.withDefaults(),
		log:     log,
		clock:   time.Now,
		newID:   uuid.NewString,
		byID:    make(map[string]*ActiveCall),
		byUUID:  make(map[string]string),
		workers: make(map[string]*channelWorker),
	}
}

// Run consumes engine events and runs the timeout sweeper until ctx ends.
// Each channel gets its own serialized worker, so a slow command on one call
// (answer, session setup) never stalls another call's events.
func (m *Manager) Run(ctx context.Context, events <-chan esl.Event) {
	go m.sweepLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.dispatch(ctx, ev)
		}
	}
}

// dispatch routes the event to its channel's worker, creating one on first
// sight. Per-channel order is preserved; channels progress independently.
func (m *Manager) dispatch(ctx context.Context, ev esl.Event) {
	if ev.UUID == "" {
		return
	}
	m.wmu.Lock()
	w, ok := m.workers[ev.UUID]
	if !ok {
		w = &channelWorker{events: make(chan esl.Event, channelQueueSize)}
		m.workers[ev.UUID] = w
		go m.serveChannel(ctx, ev.UUID, w)
	}
	select {
	case w.events <- ev:
	default:
		m.log.Warn("channel event queue full, event dropped", "uuid", ev.UUID, "event", ev.Name)
	}
	m.wmu.Unlock()
}

func (m *Manager) serveChannel(ctx context.Context, channelUUID string, w *channelWorker) {
	for {
		select {
		case <-ctx.Done():
			m.wmu.Lock()
			delete(m.workers, channelUUID)
			m.wmu.Unlock()
			return
		case ev := <-w.events:
			m.handleEvent(ctx, ev)
			if ev.Name == esl.EventChannelHangup || !m.hasChannel(channelUUID) {
				if m.retireWorker(channelUUID, w) {
					return
				}
			}
		}
	}
}

// retireWorker removes the worker unless more events raced in behind it.
func (m *Manager) retireWorker(channelUUID string, w *channelWorker) bool {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if len(w.events) > 0 {
		return false
	}
	delete(m.workers, channelUUID)
	return true
}

func (m *Manager) handleEvent(ctx context.Context, ev esl.Event) {
	switch ev.Name {
	case esl.EventChannelCreate:
		m.HandleNewCall(ctx, ev.UUID,
			ev.Get("Caller-Caller-ID-Number"),
			ev.Get("Caller-Destination-Number"))
	case esl.EventChannelAnswer:
		m.HandleAnswered(ctx, ev.UUID)
	case esl.EventChannelHangup:
		m.HandleHangup(ctx, ev.UUID, ev.Get("Hangup-Cause"))
	case esl.EventDTMF:
		m.HandleDTMF(ctx, ev.UUID, ev.Get("DTMF-Digit"))
	}
}

// HandleNewCall runs admission for a newly created channel: health gate,
// concurrency ceiling, line lookup, then rate limit. Rejections hang the
// channel up with a cause that tells the network what happened.
func (m *Manager) HandleNewCall(ctx context.Context, channelUUID, rawCallerID, destination string) {
	log := m.log.With("uuid", channelUUID, "caller", rawCallerID, "destination", destination)

	if !m.health.CanAcceptCalls() {
		log.Warn("call refused, gateway unhealthy")
		m.reject(ctx, channelUUID, esl.CauseTemporaryFailure)
		return
	}

	if m.ActiveCount() >= m.cfg.MaxConcurrent {
		log.Warn("call refused, concurrency ceiling reached", "ceiling", m.cfg.MaxConcurrent)
		m.reject(ctx, channelUUID, esl.CauseUserBusy)
		return
	}

	line, found, err := m.store.FindVoiceLine(ctx, destination)
	if err != nil {
		log.Error("line lookup failed", "err", err)
		m.reject(ctx, channelUUID, esl.CauseTemporaryFailure)
		return
	}
	if !found {
		log.Warn("call to unknown number refused")
		m.reject(ctx, channelUUID, esl.CauseCallRejected)
		return
	}

	limitKey := rawCallerID
	if n := callerid.Normalize(rawCallerID, line.CountryCode); n != "" {
		limitKey = n
	}
	decision := m.limiter.CheckAndConsume(ctx, limitKey, line.ID)
	if !decision.Allowed {
		log.Warn("call refused by rate limiter", "reason", decision.Reason, "wait_seconds", decision.WaitSeconds)
		m.reject(ctx, channelUUID, esl.CauseCallRejected)
		return
	}

	now := m.clock()
	call := &ActiveCall{
		ID:           m.newID(),
		UUID:         channelUUID,
		CallerID:     rawCallerID,
		Line:         line,
		state:        StateRinging,
		startedAt:    now,
		lastActivity: now,
		outbound:     newAudioQueue(),
		detector:     m.newDetector(),
	}
	call.recordEvent(EventCallStart, fmt.Sprintf("line=%s", line.Number), now)

	m.mu.Lock()
	m.byID[call.ID] = call
	m.byUUID[channelUUID] = call.ID
	m.mu.Unlock()

	if err := m.store.InsertCall(ctx, call.summary()); err != nil {
		log.Warn("call insert failed", "call_id", call.ID, "err", err)
	}

	m.transition(call, StateAnswering, "")
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := m.engine.Answer(cmdCtx, channelUUID); err != nil {
		log.Error("answer failed", "call_id", call.ID, "err", err)
		m.endCall(ctx, call, esl.CauseTemporaryFailure)
		return
	}
	log.Info("call admitted", "call_id", call.ID, "line", line.ID)
}

// HandleAnswered runs once the channel is up: identify the caller, start the
// AI session, and have it speak the greeting.
func (m *Manager) HandleAnswered(ctx context.Context, channelUUID string) {
	call, ok := m.byChannel(channelUUID)
	if !ok {
		return
	}
	now := m.clock()

	call.mu.Lock()
	call.answeredAt = now
	call.lastActivity = now
	call.mu.Unlock()
	call.recordEvent(EventCallAnswer, "", now)

	if !m.transition(call, StateGreeting, "") {
		return
	}

	if m.cfg.RecordingDir != "" {
		path := filepath.Join(m.cfg.RecordingDir, call.ID+".wav")
		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		if err := m.engine.StartRecording(cmdCtx, channelUUID, path); err != nil {
			m.log.Warn("recording start failed", "call_id", call.ID, "err", err)
		} else {
			call.mu.Lock()
			call.recordingPath = path
			call.mu.Unlock()
		}
		cancel()
	}

	res := m.resolver.Resolve(ctx, call.CallerID, call.Line.lineInfo())
	call.mu.Lock()
	call.identity = res.Identity
	call.greeting = res.Greeting
	call.mu.Unlock()
	call.recordEvent(EventCallerIdentified,
		fmt.Sprintf("normalized=%s recognized=%t customer=%t",
			res.Identity.Normalized, res.Identity.Recognized, res.Identity.IsCustomer), now)

	instruction := aibridge.BuildSystemInstruction(aibridge.PromptInput{
		LineName:        call.Line.Name,
		CallerName:      res.Identity.FirstName,
		Recognized:      res.Identity.Recognized,
		IsCustomer:      res.Identity.IsCustomer,
		CustomerContext: res.Context,
	})

	session := m.newConversation(m.callbacksFor(call))
	call.mu.Lock()
	call.session = session
	call.mu.Unlock()

	if err := session.Initialize(ctx, instruction); err != nil {
		m.log.Error("conversation init failed", "call_id", call.ID, "err", err)
		call.recordEvent(EventAIInitFailed, err.Error(), m.clock())
		m.hangupAndEnd(ctx, call, esl.CauseTemporaryFailure)
		return
	}

	if err := session.SendText(fmt.Sprintf("Greet the caller by saying exactly: %q", res.Greeting)); err != nil {
		m.log.Warn("greeting send failed", "call_id", call.ID, "err", err)
	}
}

// HandleInboundAudio forwards one chunk of caller audio (8kHz mu-law) into
// the AI session. Caller audio while the model is speaking is a barge-in:
// queued playback is discarded before the chunk is forwarded.
func (m *Manager) HandleInboundAudio(ctx context.Context, channelUUID string, ulaw []byte) {
	call, ok := m.byChannel(channelUUID)
	if !ok {
		return
	}

	call.mu.Lock()
	state := call.state
	session := call.session
	call.mu.Unlock()
	if session == nil {
		return
	}
	switch state {
	case StateGreeting, StateListening, StateProcessing, StateSpeaking:
	default:
		return
	}

	call.touch(m.clock())

	if state == StateSpeaking {
		call.outbound.Flush()
		m.transition(call, StateListening, "barge-in")
	}

	pcm := m.media.ProcessIncoming(ulaw)
	if err := session.SendAudio(pcm); err != nil {
		m.log.Warn("audio forward failed", "call_id", call.ID, "err", err)
		return
	}

	if call.detector.DetectSpeechEnd(pcm) && call.State() == StateListening {
		call.detector.Reset()
		m.transition(call, StateProcessing, "speech end")
	}
}

// HandleDTMF records the digit; zero transfers the call to a human.
func (m *Manager) HandleDTMF(ctx context.Context, channelUUID, digit string) {
	call, ok := m.byChannel(channelUUID)
	if !ok || digit == "" {
		return
	}
	now := m.clock()
	call.touch(now)
	call.recordEvent(EventDTMF, digit, now)

	if digit != "0" {
		return
	}
	if !m.transition(call, StateTransferring, "dtmf 0") {
		return
	}
	call.recordEvent(EventTransferRequested, call.Line.TransferExtension, now)
	call.outbound.Flush()

	// The transfer signal stands on its own; execution needs an extension.
	if call.Line.TransferExtension == "" {
		m.log.Warn("transfer requested but line has no extension", "call_id", call.ID)
		return
	}
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := m.engine.Transfer(cmdCtx, channelUUID, call.Line.TransferExtension); err != nil {
		m.log.Error("transfer failed", "call_id", call.ID, "err", err)
		m.hangupAndEnd(ctx, call, esl.CauseTemporaryFailure)
	}
}

// HandleHangup tears the call down when the engine reports the channel gone.
func (m *Manager) HandleHangup(ctx context.Context, channelUUID, cause string) {
	call, ok := m.byChannel(channelUUID)
	if !ok {
		return
	}
	if cause == "" {
		cause = esl.CauseNormalClearing
	}
	m.endCall(ctx, call, cause)
}

// callbacksFor binds session output to one call.
func (m *Manager) callbacksFor(call *ActiveCall) aibridge.Callbacks {
	ctx := context.Background()
	return aibridge.Callbacks{
		OnAudio: func(pcm []byte) {
			call.outbound.Push(pcm)
			switch call.State() {
			case StateListening, StateProcessing:
				m.transition(call, StateSpeaking, "")
			}
		},
		OnText: func(text string) {
			call.appendTranscript(text)
		},
		OnTurnComplete: func() {
			m.playTurn(ctx, call)
		},
		OnInterrupted: func() {
			call.outbound.Flush()
			if call.State() == StateSpeaking {
				m.transition(call, StateListening, "interrupted")
			}
		},
		OnError: func(err error) {
			m.log.Error("conversation error", "call_id", call.ID, "err", err)
			call.recordEvent(EventAIError, err.Error(), m.clock())
		},
		OnClosed: func() {
			m.log.Debug("conversation closed", "call_id", call.ID)
		},
	}
}

// playTurn renders the buffered response audio and plays it into the channel.
func (m *Manager) playTurn(ctx context.Context, call *ActiveCall) {
	pcm := call.outbound.Drain()
	if len(pcm) > 0 {
		path, err := m.media.ProcessOutgoing(pcm, audio.OutputWAV)
		if err != nil {
			m.log.Error("response render failed", "call_id", call.ID, "err", err)
		} else {
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			if err := m.engine.Broadcast(cmdCtx, call.UUID, path); err != nil {
				m.log.Error("playback failed", "call_id", call.ID, "err", err)
			}
		}
	}

	switch call.State() {
	case StateGreeting, StateSpeaking, StateProcessing:
		m.transition(call, StateListening, "turn complete")
	}
	call.touch(m.clock())
}

// transition moves the call's state machine, recording the change. Invalid
// transitions are refused and logged, never applied.
func (m *Manager) transition(call *ActiveCall, to CallState, detail string) bool {
	call.mu.Lock()
	from := call.state
	if !transitionAllowed(from, to) {
		call.mu.Unlock()
		m.log.Warn("invalid state transition refused",
			"call_id", call.ID, "from", from, "to", to, "detail", detail)
		return false
	}
	call.state = to
	note := fmt.Sprintf("%s -> %s", from, to)
	if detail != "" {
		note += " (" + detail + ")"
	}
	call.events = append(call.events, CallEvent{CallID: call.ID, Type: EventStateChange, Detail: note, At: m.clock()})
	call.mu.Unlock()

	m.log.Debug("call state changed", "call_id", call.ID, "from", from, "to", to)
	return true
}

// endCall is the single teardown path. Exactly once per call: close the
// session, deregister, and persist the final record with its timeline.
func (m *Manager) endCall(ctx context.Context, call *ActiveCall, cause string) {
	call.endOnce.Do(func() {
		m.transition(call, StateEnding, cause)

		call.mu.Lock()
		session := call.session
		recording := call.recordingPath
		call.hangupCause = cause
		call.mu.Unlock()
		if session != nil {
			_ = session.Close()
		}
		call.outbound.Flush()

		if recording != "" {
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			if err := m.engine.StopRecording(cmdCtx, call.UUID, recording); err != nil {
				m.log.Debug("recording stop failed", "call_id", call.ID, "err", err)
			}
			cancel()
		}

		now := m.clock()
		call.recordEvent(EventCallEnd, cause, now)
		m.transition(call, StateEnded, "")

		m.mu.Lock()
		delete(m.byID, call.ID)
		delete(m.byUUID, call.UUID)
		m.mu.Unlock()

		call.mu.Lock()
		fin := Finalization{
			CallID:        call.ID,
			EndedAt:       now,
			HangupCause:   cause,
			RecordingPath: recording,
			Transcript:    append([]string(nil), call.transcript...),
			Events:        append([]CallEvent(nil), call.events...),
		}
		call.mu.Unlock()

		if err := m.store.FinalizeCall(ctx, fin); err != nil {
			m.log.Error("call finalize failed", "call_id", call.ID, "err", err)
		}
		m.log.Info("call ended", "call_id", call.ID, "cause", cause)
	})
}

// hangupAndEnd kills the channel and tears down immediately rather than
// waiting for the hangup event, so a dead channel can never leak a call.
func (m *Manager) hangupAndEnd(ctx context.Context, call *ActiveCall, cause string) {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := m.engine.Hangup(cmdCtx, call.UUID, cause); err != nil {
		m.log.Warn("hangup command failed", "call_id", call.ID, "err", err)
	}
	m.endCall(ctx, call, cause)
}

func (m *Manager) reject(ctx context.Context, channelUUID, cause string) {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := m.engine.Hangup(cmdCtx, channelUUID, cause); err != nil {
		m.log.Warn("reject hangup failed", "uuid", channelUUID, "err", err)
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep enforces the two call timers: the absolute duration ceiling and the
// idle ceiling for calls sitting in listening.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.clock()

	m.mu.Lock()
	calls := make([]*ActiveCall, 0, len(m.byID))
	for _, c := range m.byID {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, call := range calls {
		call.mu.Lock()
		age := now.Sub(call.startedAt)
		idle := now.Sub(call.lastActivity)
		state := call.state
		call.mu.Unlock()

		switch {
		case age > m.cfg.MaxCallDuration:
			m.log.Warn("call exceeded duration ceiling", "call_id", call.ID, "age", age)
			m.hangupAndEnd(ctx, call, esl.CauseAllottedTimeout)
		case state == StateListening && idle > m.cfg.IdleTimeout:
			m.log.Warn("call idle too long", "call_id", call.ID, "idle", idle)
			m.hangupAndEnd(ctx, call, esl.CauseRecoveryOnTimerExpire)
		}
	}
}

// ActiveCount is the number of live calls.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// List returns summaries of every live call, for the admin surface.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	calls := make([]*ActiveCall, 0, len(m.byID))
	for _, c := range m.byID {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.summary())
	}
	return out
}

// Get returns the full detail of one live call.
func (m *Manager) Get(callID string) (Detail, bool) {
	m.mu.Lock()
	call, ok := m.byID[callID]
	m.mu.Unlock()
	if !ok {
		return Detail{}, false
	}
	return call.detail(), true
}

// ForceEnd hangs up one live call on operator request.
func (m *Manager) ForceEnd(ctx context.Context, callID string) error {
	m.mu.Lock()
	call, ok := m.byID[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("call %s not found", callID)
	}
	m.hangupAndEnd(ctx, call, esl.CauseNormalClearing)
	return nil
}

func (m *Manager) hasChannel(channelUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byUUID[channelUUID]
	return ok
}

func (m *Manager) byChannel(channelUUID string) (*ActiveCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUUID[channelUUID]
	if !ok {
		return nil, false
	}
	call, ok := m.byID[id]
	return call, ok
}
