package callmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-gateway/internal/aibridge"
	"voice-gateway/internal/audio"
	"voice-gateway/internal/callerid"
	"voice-gateway/internal/esl"
	"voice-gateway/internal/ratelimit"
)

type fakeEngine struct {
	mu         sync.Mutex
	answers    []string
	broadcasts []string
	transfers  []string
	hangups    []string
	recordings []string
	answerErr  error

	// answerBlock, when set, parks Answer until the channel closes.
	answerBlock chan struct{}
}

func (e *fakeEngine) Answer(_ context.Context, uuid string) error {
	e.mu.Lock()
	e.answers = append(e.answers, uuid)
	block := e.answerBlock
	err := e.answerErr
	e.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (e *fakeEngine) Broadcast(_ context.Context, uuid, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcasts = append(e.broadcasts, uuid+" "+path)
	return nil
}

func (e *fakeEngine) Transfer(_ context.Context, uuid, destination string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transfers = append(e.transfers, uuid+" "+destination)
	return nil
}

func (e *fakeEngine) Hangup(_ context.Context, uuid, cause string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hangups = append(e.hangups, uuid+" "+cause)
	return nil
}

func (e *fakeEngine) StartRecording(_ context.Context, uuid, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordings = append(e.recordings, "start "+uuid+" "+path)
	return nil
}

func (e *fakeEngine) StopRecording(_ context.Context, uuid, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordings = append(e.recordings, "stop "+uuid+" "+path)
	return nil
}

func (e *fakeEngine) lastHangup() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.hangups) == 0 {
		return ""
	}
	return e.hangups[len(e.hangups)-1]
}

type fakeStore struct {
	mu        sync.Mutex
	lines     map[string]VoiceLine
	inserted  []Summary
	finalized []Finalization
}

func (s *fakeStore) FindVoiceLine(_ context.Context, number string) (VoiceLine, bool, error) {
	l, ok := s.lines[number]
	return l, ok, nil
}

func (s *fakeStore) InsertCall(_ context.Context, call Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, call)
	return nil
}

func (s *fakeStore) FinalizeCall(_ context.Context, fin Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, fin)
	return nil
}

func (s *fakeStore) finalizations() []Finalization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Finalization(nil), s.finalized...)
}

type fakeAdmitter struct{ decision ratelimit.Decision }

func (a *fakeAdmitter) CheckAndConsume(context.Context, string, string) ratelimit.Decision {
	return a.decision
}

type fakeGate struct{ ok bool }

func (g *fakeGate) CanAcceptCalls() bool { return g.ok }

type fakeResolver struct{ res callerid.Resolution }

func (r *fakeResolver) Resolve(context.Context, string, callerid.LineInfo) callerid.Resolution {
	return r.res
}

type fakeMedia struct {
	mu       sync.Mutex
	rendered [][]byte
}

func (m *fakeMedia) ProcessIncoming(chunk []byte) []byte { return chunk }

func (m *fakeMedia) ProcessOutgoing(pcm []byte, _ audio.OutputFormat) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rendered = append(m.rendered, pcm)
	return fmt.Sprintf("/tmp/turn-%d.wav", len(m.rendered)), nil
}

type fakeConversation struct {
	mu      sync.Mutex
	initErr error
	texts   []string
	audio   [][]byte
	closes  int
}

func (c *fakeConversation) Initialize(context.Context, string) error { return c.initErr }

func (c *fakeConversation) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConversation) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type fakeDetector struct{ fire bool }

func (d *fakeDetector) DetectSpeechEnd([]byte) bool { return d.fire }
func (d *fakeDetector) Reset()                      { d.fire = false }

type rig struct {
	m        *Manager
	engine   *fakeEngine
	store    *fakeStore
	admitter *fakeAdmitter
	gate     *fakeGate
	conv     *fakeConversation
	media    *fakeMedia
	detector *fakeDetector
	cbs      *aibridge.Callbacks
	now      *time.Time
}

func testLine() VoiceLine {
	return VoiceLine{
		ID:                "line-1",
		TenantID:          "tenant-1",
		Number:            "5000",
		Name:              "Acme Plumbing",
		CountryCode:       "+39",
		TransferExtension: "100",
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		engine:   &fakeEngine{},
		store:    &fakeStore{lines: map[string]VoiceLine{"5000": testLine()}},
		admitter: &fakeAdmitter{decision: ratelimit.Decision{Allowed: true}},
		gate:     &fakeGate{ok: true},
		conv:     &fakeConversation{},
		media:    &fakeMedia{},
		detector: &fakeDetector{},
		cbs:      &aibridge.Callbacks{},
	}
	resolver := &fakeResolver{res: callerid.Resolution{
		Identity: callerid.Identity{Normalized: "+391234567"},
		Greeting: "Hello, thank you for calling. How can I help you today?",
	}}

	factory := func(cb aibridge.Callbacks) Conversation {
		*r.cbs = cb
		return r.conv
	}
	r.m = NewManager(r.engine, r.store, r.admitter, r.gate, resolver, r.media, factory,
		Config{MaxConcurrent: 2, MaxCallDuration: 30 * time.Minute, IdleTimeout: 30 * time.Second},
		slog.Default())

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	r.now = &now
	r.m.clock = func() time.Time { return now }

	seq := 0
	r.m.newID = func() string {
		seq++
		return fmt.Sprintf("call-%d", seq)
	}
	r.m.newDetector = func() speechDetector { return r.detector }
	return r
}

func (r *rig) startCall(t *testing.T, channelUUID string) *ActiveCall {
	t.Helper()
	ctx := context.Background()
	r.m.HandleNewCall(ctx, channelUUID, "+39 123 4567", "5000")
	call, ok := r.m.byChannel(channelUUID)
	if !ok {
		t.Fatalf("call not registered after admission")
	}
	return call
}

func (r *rig) answeredCall(t *testing.T, channelUUID string) *ActiveCall {
	t.Helper()
	call := r.startCall(t, channelUUID)
	r.m.HandleAnswered(context.Background(), channelUUID)
	return call
}

func TestHandleNewCall_AdmitsAndAnswers(t *testing.T) {
	r := newRig(t)
	call := r.startCall(t, "uuid-1")

	if call.State() != StateAnswering {
		t.Fatalf("state = %s", call.State())
	}
	if len(r.engine.answers) != 1 || r.engine.answers[0] != "uuid-1" {
		t.Fatalf("answers = %v", r.engine.answers)
	}
	if len(r.store.inserted) != 1 || r.store.inserted[0].CallerID != "+39 123 4567" {
		t.Fatalf("inserted = %+v", r.store.inserted)
	}
	if r.m.ActiveCount() != 1 {
		t.Fatalf("active = %d", r.m.ActiveCount())
	}
}

func TestHandleNewCall_RefusedWhenUnhealthy(t *testing.T) {
	r := newRig(t)
	r.gate.ok = false

	r.m.HandleNewCall(context.Background(), "uuid-1", "+391234567", "5000")
	if r.m.ActiveCount() != 0 {
		t.Fatalf("unhealthy gateway must not register calls")
	}
	if got := r.engine.lastHangup(); got != "uuid-1 "+esl.CauseTemporaryFailure {
		t.Fatalf("hangup = %q", got)
	}
}

func TestHandleNewCall_ConcurrencyCeiling(t *testing.T) {
	r := newRig(t)
	r.startCall(t, "uuid-1")
	r.startCall(t, "uuid-2")

	r.m.HandleNewCall(context.Background(), "uuid-3", "+391234567", "5000")
	if r.m.ActiveCount() != 2 {
		t.Fatalf("active = %d", r.m.ActiveCount())
	}
	if got := r.engine.lastHangup(); got != "uuid-3 "+esl.CauseUserBusy {
		t.Fatalf("hangup = %q", got)
	}
}

func TestHandleNewCall_UnknownNumberRejected(t *testing.T) {
	r := newRig(t)
	r.m.HandleNewCall(context.Background(), "uuid-1", "+391234567", "9999")
	if got := r.engine.lastHangup(); got != "uuid-1 "+esl.CauseCallRejected {
		t.Fatalf("hangup = %q", got)
	}
}

func TestHandleNewCall_RateLimitedRejected(t *testing.T) {
	r := newRig(t)
	r.admitter.decision = ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonRateMinute}

	r.m.HandleNewCall(context.Background(), "uuid-1", "+391234567", "5000")
	if r.m.ActiveCount() != 0 {
		t.Fatalf("rate limited caller must not register")
	}
	if got := r.engine.lastHangup(); got != "uuid-1 "+esl.CauseCallRejected {
		t.Fatalf("hangup = %q", got)
	}
}

func TestHandleAnswered_StartsConversationAndGreets(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")

	if call.State() != StateGreeting {
		t.Fatalf("state = %s", call.State())
	}
	if len(r.conv.texts) != 1 || !strings.Contains(r.conv.texts[0], "thank you for calling") {
		t.Fatalf("greeting texts = %v", r.conv.texts)
	}

	detail, _ := r.m.Get(call.ID)
	if !hasEvent(detail.Events, EventCallerIdentified) || !hasEvent(detail.Events, EventCallAnswer) {
		t.Fatalf("events = %+v", detail.Events)
	}
}

func TestHandleAnswered_AIInitFailureEndsCall(t *testing.T) {
	r := newRig(t)
	r.conv.initErr = errors.New("endpoint down")
	r.startCall(t, "uuid-1")

	r.m.HandleAnswered(context.Background(), "uuid-1")
	if r.m.ActiveCount() != 0 {
		t.Fatalf("failed init must tear the call down")
	}
	if got := r.engine.lastHangup(); got != "uuid-1 "+esl.CauseTemporaryFailure {
		t.Fatalf("hangup = %q", got)
	}
	fins := r.store.finalizations()
	if len(fins) != 1 || !hasEvent(fins[0].Events, EventAIInitFailed) {
		t.Fatalf("finalizations = %+v", fins)
	}
}

func TestInboundAudio_ForwardedAndSpeechEndDetected(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")
	r.cbs.OnTurnComplete() // greeting done, now listening

	if call.State() != StateListening {
		t.Fatalf("state = %s", call.State())
	}

	r.m.HandleInboundAudio(context.Background(), "uuid-1", []byte{1, 2, 3, 4})
	if len(r.conv.audio) != 1 {
		t.Fatalf("audio forwarded = %d", len(r.conv.audio))
	}

	r.detector.fire = true
	r.m.HandleInboundAudio(context.Background(), "uuid-1", []byte{1, 2, 3, 4})
	if call.State() != StateProcessing {
		t.Fatalf("speech end should move to processing, state = %s", call.State())
	}
}

func TestTurnLifecycle_SpeakingThenPlaybackThenListening(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")
	r.cbs.OnTurnComplete()

	r.cbs.OnAudio(make([]byte, 480))
	if call.State() != StateSpeaking {
		t.Fatalf("model audio should move to speaking, state = %s", call.State())
	}

	r.cbs.OnText("Sure, ")
	r.cbs.OnText("one moment.")
	r.cbs.OnTurnComplete()

	if call.State() != StateListening {
		t.Fatalf("turn complete should return to listening, state = %s", call.State())
	}
	if len(r.engine.broadcasts) != 1 {
		t.Fatalf("broadcasts = %v", r.engine.broadcasts)
	}
	if len(r.media.rendered) != 1 || len(r.media.rendered[0]) != 480 {
		t.Fatalf("rendered = %d chunks", len(r.media.rendered))
	}

	detail, _ := r.m.Get(call.ID)
	if len(detail.Transcript) != 2 {
		t.Fatalf("transcript = %v", detail.Transcript)
	}
}

func TestBargeIn_FlushesQueueAndReturnsToListening(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")
	r.cbs.OnTurnComplete()

	r.cbs.OnAudio(make([]byte, 6400))
	if call.outbound.Len() == 0 {
		t.Fatalf("queue should hold model audio")
	}

	r.m.HandleInboundAudio(context.Background(), "uuid-1", []byte{5, 6, 7, 8})
	if call.outbound.Len() != 0 {
		t.Fatalf("barge-in must flush queued playback")
	}
	if call.State() != StateListening {
		t.Fatalf("state = %s", call.State())
	}
}

func TestDTMFZero_TransfersCall(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")
	r.cbs.OnTurnComplete()

	r.m.HandleDTMF(context.Background(), "uuid-1", "5")
	if call.State() != StateListening {
		t.Fatalf("non-zero digit must not transfer, state = %s", call.State())
	}

	r.m.HandleDTMF(context.Background(), "uuid-1", "0")
	if call.State() != StateTransferring {
		t.Fatalf("state = %s", call.State())
	}
	if len(r.engine.transfers) != 1 || r.engine.transfers[0] != "uuid-1 100" {
		t.Fatalf("transfers = %v", r.engine.transfers)
	}
}

func TestHandleHangup_FinalizesOnce(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")

	r.m.HandleHangup(context.Background(), "uuid-1", "NORMAL_CLEARING")
	r.m.HandleHangup(context.Background(), "uuid-1", "NORMAL_CLEARING")

	if call.State() != StateEnded {
		t.Fatalf("state = %s", call.State())
	}
	if r.m.ActiveCount() != 0 {
		t.Fatalf("registry must be empty")
	}
	fins := r.store.finalizations()
	if len(fins) != 1 {
		t.Fatalf("finalize must run exactly once, got %d", len(fins))
	}
	if fins[0].HangupCause != "NORMAL_CLEARING" || !hasEvent(fins[0].Events, EventCallEnd) {
		t.Fatalf("finalization = %+v", fins[0])
	}
	if r.conv.closes != 1 {
		t.Fatalf("session closes = %d", r.conv.closes)
	}
}

func TestSweep_DurationCeiling(t *testing.T) {
	r := newRig(t)
	r.answeredCall(t, "uuid-1")

	*r.now = r.now.Add(31 * time.Minute)
	r.m.Sweep(context.Background())

	if r.m.ActiveCount() != 0 {
		t.Fatalf("overlong call must be ended")
	}
	if got := r.engine.lastHangup(); got != "uuid-1 "+esl.CauseAllottedTimeout {
		t.Fatalf("hangup = %q", got)
	}
}

func TestSweep_IdleCeilingOnlyWhileListening(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")

	// Still greeting: idle timer must not fire.
	*r.now = r.now.Add(45 * time.Second)
	r.m.Sweep(context.Background())
	if r.m.ActiveCount() != 1 {
		t.Fatalf("greeting call must survive the idle sweep")
	}

	r.cbs.OnTurnComplete() // touches activity, moves to listening
	if call.State() != StateListening {
		t.Fatalf("state = %s", call.State())
	}
	*r.now = r.now.Add(31 * time.Second)
	r.m.Sweep(context.Background())

	if r.m.ActiveCount() != 0 {
		t.Fatalf("idle listening call must be ended")
	}
	if got := r.engine.lastHangup(); got != "uuid-1 "+esl.CauseRecoveryOnTimerExpire {
		t.Fatalf("hangup = %q", got)
	}
}

func TestForceEnd(t *testing.T) {
	r := newRig(t)
	call := r.answeredCall(t, "uuid-1")

	if err := r.m.ForceEnd(context.Background(), call.ID); err != nil {
		t.Fatalf("ForceEnd: %v", err)
	}
	if r.m.ActiveCount() != 0 {
		t.Fatalf("call must be gone")
	}
	if err := r.m.ForceEnd(context.Background(), call.ID); err == nil {
		t.Fatalf("ending a gone call must error")
	}
}

func TestTransitionValidation(t *testing.T) {
	cases := []struct {
		from, to CallState
		ok       bool
	}{
		{StateRinging, StateAnswering, true},
		{StateListening, StateSpeaking, true},
		{StateSpeaking, StateListening, true},
		{StateRinging, StateSpeaking, false},
		{StateEnded, StateListening, false},
		{StateTransferring, StateListening, false},
		{StateGreeting, StateEnding, true},
	}
	for _, c := range cases {
		if got := transitionAllowed(c.from, c.to); got != c.ok {
			t.Fatalf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func hasEvent(events []CallEvent, t EventType) bool {
	for _, ev := range events {
		if ev.Type == t {
			return true
		}
	}
	return false
}


func TestRecording_StartedOnAnswerAndFinalized(t *testing.T) {
	r := newRig(t)
	r.m.cfg.RecordingDir = "/var/lib/voice-gateway/recordings"
	r.answeredCall(t, "uuid-1")

	r.engine.mu.Lock()
	recs := append([]string(nil), r.engine.recordings...)
	r.engine.mu.Unlock()
	if len(recs) != 1 || recs[0] != "start uuid-1 /var/lib/voice-gateway/recordings/call-1.wav" {
		t.Fatalf("recordings = %v", recs)
	}

	r.m.HandleHangup(context.Background(), "uuid-1", esl.CauseNormalClearing)

	if len(r.store.finalized) != 1 {
		t.Fatalf("finalized = %d", len(r.store.finalized))
	}
	if got := r.store.finalized[0].RecordingPath; got != "/var/lib/voice-gateway/recordings/call-1.wav" {
		t.Fatalf("recording path = %q", got)
	}
	r.engine.mu.Lock()
	stopped := r.engine.recordings[len(r.engine.recordings)-1]
	r.engine.mu.Unlock()
	if stopped != "stop uuid-1 /var/lib/voice-gateway/recordings/call-1.wav" {
		t.Fatalf("stop = %q", stopped)
	}
}

func TestRecording_DisabledWhenNoDirectory(t *testing.T) {
	r := newRig(t)
	r.answeredCall(t, "uuid-1")
	r.m.HandleHangup(context.Background(), "uuid-1", esl.CauseNormalClearing)

	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	if len(r.engine.recordings) != 0 {
		t.Fatalf("recordings = %v", r.engine.recordings)
	}
}

func TestDTMFZero_SignalsTransferWithoutExtension(t *testing.T) {
	r := newRig(t)
	line := testLine()
	line.TransferExtension = ""
	r.store.lines["5000"] = line

	call := r.answeredCall(t, "uuid-1")
	r.cbs.OnTurnComplete()

	r.m.HandleDTMF(context.Background(), "uuid-1", "0")
	if call.State() != StateTransferring {
		t.Fatalf("transfer must be signaled even without an extension, state = %s", call.State())
	}
	if !hasEvent(call.detail().Events, EventTransferRequested) {
		t.Fatalf("TRANSFER_REQUESTED must be recorded")
	}
	if len(r.engine.transfers) != 0 {
		t.Fatalf("no extension means no engine transfer, got %v", r.engine.transfers)
	}
}

func TestRun_SlowCallDoesNotStallOthers(t *testing.T) {
	r := newRig(t)
	r.engine.answerBlock = make(chan struct{})
	defer close(r.engine.answerBlock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan esl.Event, 4)
	go r.m.Run(ctx, events)

	for _, uuid := range []string{"uuid-1", "uuid-2"} {
		events <- esl.Event{
			Name: esl.EventChannelCreate,
			UUID: uuid,
			Headers: map[string]string{
				"Caller-Caller-ID-Number":   "+391234567",
				"Caller-Destination-Number": "5000",
			},
		}
	}

	// Both answers are parked on answerBlock; registration happens before the
	// answer command, so both calls must appear while the first is still stuck.
	deadline := time.Now().Add(2 * time.Second)
	for r.m.ActiveCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second call stalled behind the first, active = %d", r.m.ActiveCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_EventsForOneChannelStayOrdered(t *testing.T) {
	r := newRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan esl.Event, 4)
	go r.m.Run(ctx, events)

	events <- esl.Event{
		Name: esl.EventChannelCreate,
		UUID: "uuid-1",
		Headers: map[string]string{
			"Caller-Caller-ID-Number":   "+391234567",
			"Caller-Destination-Number": "5000",
		},
	}
	events <- esl.Event{Name: esl.EventChannelAnswer, UUID: "uuid-1"}
	events <- esl.Event{
		Name:    esl.EventChannelHangup,
		UUID:    "uuid-1",
		Headers: map[string]string{"Hangup-Cause": esl.CauseNormalClearing},
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(r.store.finalizations()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hangup never finalized the call")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fin := r.store.finalizations()[0]
	if fin.HangupCause != esl.CauseNormalClearing {
		t.Fatalf("cause = %q", fin.HangupCause)
	}
	if !hasEvent(fin.Events, EventCallAnswer) {
		t.Fatalf("answer must be processed before the hangup on the same channel")
	}
	if r.m.ActiveCount() != 0 {
		t.Fatalf("registry must be empty")
	}
}
