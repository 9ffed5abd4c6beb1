package callmgr

import (
	"sync"
	"time"

	"voice-gateway/internal/callerid"
)

// CallState is the lifecycle position of one active call.
type CallState string

const (
	StateRinging      CallState = "ringing"
	StateAnswering    CallState = "answering"
	StateGreeting     CallState = "greeting"
	StateListening    CallState = "listening"
	StateProcessing   CallState = "processing"
	StateSpeaking     CallState = "speaking"
	StateTransferring CallState = "transferring"
	StateEnding       CallState = "ending"
	StateEnded        CallState = "ended"
)

// validTransitions is the whole state machine. Ending is reachable from every
// live state because hangups arrive whenever the caller pleases.
var validTransitions = map[CallState][]CallState{
	StateRinging:      {StateAnswering, StateEnding},
	StateAnswering:    {StateGreeting, StateEnding},
	StateGreeting:     {StateListening, StateTransferring, StateEnding},
	StateListening:    {StateProcessing, StateSpeaking, StateTransferring, StateEnding},
	StateProcessing:   {StateListening, StateSpeaking, StateTransferring, StateEnding},
	StateSpeaking:     {StateListening, StateProcessing, StateTransferring, StateEnding},
	StateTransferring: {StateEnding},
	StateEnding:       {StateEnded},
	StateEnded:        {},
}

func transitionAllowed(from, to CallState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventType tags entries on a call's event timeline.
type EventType string

const (
	EventCallStart         EventType = "CALL_START"
	EventCallAnswer        EventType = "CALL_ANSWER"
	EventCallerIdentified  EventType = "CALLER_IDENTIFIED"
	EventStateChange       EventType = "STATE_CHANGE"
	EventDTMF              EventType = "DTMF"
	EventAIError           EventType = "AI_ERROR"
	EventAIInitFailed      EventType = "AI_INIT_FAILED"
	EventTransferRequested EventType = "TRANSFER_REQUESTED"
	EventCallEnd           EventType = "CALL_END"
)

// CallEvent is one timeline entry, persisted in bulk at call end.
type CallEvent struct {
	CallID string    `json:"call_id"`
	Type   EventType `json:"type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// VoiceLine is a dialable number the gateway answers for.
type VoiceLine struct {
	ID                string
	TenantID          string
	Number            string
	Name              string
	Welcome           string
	CountryCode       string
	TransferExtension string
}

func (l VoiceLine) lineInfo() callerid.LineInfo {
	return callerid.LineInfo{
		ID:          l.ID,
		TenantID:    l.TenantID,
		Welcome:     l.Welcome,
		CountryCode: l.CountryCode,
	}
}

// ActiveCall is the in-memory record of one live call. All mutable fields are
// guarded by mu; the identifiers are immutable after creation.
type ActiveCall struct {
	ID       string // gateway call id
	UUID     string // engine channel uuid
	CallerID string
	Line     VoiceLine

	mu           sync.Mutex
	state         CallState
	startedAt     time.Time
	answeredAt    time.Time
	lastActivity  time.Time
	hangupCause   string
	recordingPath string

	identity callerid.Identity
	greeting string

	session  Conversation
	outbound *audioQueue
	detector speechDetector

	events     []CallEvent
	transcript []string

	endOnce sync.Once
}

func (c *ActiveCall) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ActiveCall) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *ActiveCall) recordEvent(t EventType, detail string, at time.Time) {
	c.mu.Lock()
	c.events = append(c.events, CallEvent{CallID: c.ID, Type: t, Detail: detail, At: at})
	c.mu.Unlock()
}

func (c *ActiveCall) appendTranscript(text string) {
	c.mu.Lock()
	c.transcript = append(c.transcript, text)
	c.mu.Unlock()
}

// Summary is the admin-facing view of a call.
type Summary struct {
	ID           string             `json:"id"`
	UUID         string             `json:"uuid"`
	CallerID     string             `json:"caller_id"`
	LineID       string             `json:"line_id"`
	LineNumber   string             `json:"line_number"`
	State        CallState          `json:"state"`
	StartedAt    time.Time          `json:"started_at"`
	AnsweredAt   *time.Time         `json:"answered_at,omitempty"`
	LastActivity time.Time          `json:"last_activity"`
	Identity     *callerid.Identity `json:"identity,omitempty"`
}

func (c *ActiveCall) summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		ID:           c.ID,
		UUID:         c.UUID,
		CallerID:     c.CallerID,
		LineID:       c.Line.ID,
		LineNumber:   c.Line.Number,
		State:        c.state,
		StartedAt:    c.startedAt,
		LastActivity: c.lastActivity,
	}
	if !c.answeredAt.IsZero() {
		t := c.answeredAt
		s.AnsweredAt = &t
	}
	if c.identity.Normalized != "" || c.identity.Recognized {
		id := c.identity
		s.Identity = &id
	}
	return s
}

// Detail adds the timeline and transcript to a summary.
type Detail struct {
	Summary
	Events     []CallEvent `json:"events"`
	Transcript []string    `json:"transcript"`
}

func (c *ActiveCall) detail() Detail {
	d := Detail{Summary: c.summary()}
	c.mu.Lock()
	d.Events = append([]CallEvent(nil), c.events...)
	d.Transcript = append([]string(nil), c.transcript...)
	c.mu.Unlock()
	return d
}
