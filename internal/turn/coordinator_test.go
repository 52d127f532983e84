package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/visage/internal/replychan"
	"github.com/antoniostano/visage/internal/transcribe"
	"github.com/antoniostano/visage/internal/transcript"
	"github.com/antoniostano/visage/internal/vad"
)

type fakeMonitor struct {
	ch chan vad.Event

	mu      sync.Mutex
	started bool
	paused  bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{ch: make(chan vad.Event, 16)}
}

func (m *fakeMonitor) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

func (m *fakeMonitor) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *fakeMonitor) Events() <-chan vad.Event { return m.ch }

func (m *fakeMonitor) emit(t vad.EventType) {
	ev := vad.Event{Type: t}
	if t == vad.EventSpeechEnd {
		ev.Samples = []float32{0.1, 0.2}
	}
	m.ch <- ev
}

type transcribeReply struct {
	res transcribe.Result
	err error
}

type fakeTranscriber struct {
	gate chan struct{}

	mu      sync.Mutex
	replies []transcribeReply
	calls   int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ []float32, _ int, _ string) (transcribe.Result, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return transcribe.Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return transcribe.Result{}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.res, r.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReply struct {
	msgs chan replychan.Message

	mu      sync.Mutex
	sent    []string
	sendErr error
	closed  bool
}

func newFakeReply() *fakeReply {
	return &fakeReply{msgs: make(chan replychan.Message, 16)}
}

func (f *fakeReply) Send(_, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeReply) Messages() <-chan replychan.Message { return f.msgs }

func (f *fakeReply) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeReply) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeSink struct {
	mu         sync.Mutex
	spoken     []string
	interrupts int
}

func (s *fakeSink) Speak(_, text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Interrupt() error {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) spokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *fakeSink) interruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

type fakeSignaler struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeSignaler) Signal(_ context.Context, callID string) {
	s.mu.Lock()
	s.calls = append(s.calls, callID)
	s.mu.Unlock()
}

func (s *fakeSignaler) callIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures []string
}

func (n *fakeNotifier) Status(string, string) {}

func (n *fakeNotifier) Transcript(string) {}

func (n *fakeNotifier) Failure(code, _, _ string, _ bool) {
	n.mu.Lock()
	n.failures = append(n.failures, code)
	n.mu.Unlock()
}

func (n *fakeNotifier) failureCodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.failures...)
}

type harness struct {
	co    *Coordinator
	mon   *fakeMonitor
	tr    *fakeTranscriber
	rep   *fakeReply
	sink  *fakeSink
	sig   *fakeSignaler
	notes *fakeNotifier
	store *transcript.InMemoryStore
	done  chan error
}

func newHarness(t *testing.T, tr *fakeTranscriber) *harness {
	t.Helper()
	h := &harness{
		mon:   newFakeMonitor(),
		tr:    tr,
		rep:   newFakeReply(),
		sink:  &fakeSink{},
		sig:   &fakeSignaler{},
		notes: &fakeNotifier{},
		store: transcript.NewInMemoryStore(),
		done:  make(chan error, 1),
	}
	h.co = New(Config{
		CustomSessionID:   "u1:c1:k1",
		CallID:            "k1",
		SampleRate:        16000,
		TranscribeTimeout: time.Second,
		Store:             h.store,
	}, Deps{
		Monitor:     h.mon,
		Transcriber: h.tr,
		Reply:       h.rep,
		Sink:        h.sink,
		Signaler:    h.sig,
		Notifier:    h.notes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- h.co.Run(ctx) }()
	waitFor(t, "monitor started", func() bool {
		h.mon.mu.Lock()
		defer h.mon.mu.Unlock()
		return h.mon.started
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, co *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if co.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", co.State(), want)
}

func TestFullTurnRoundTrip(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{{res: transcribe.Result{Text: "hello"}}}}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	waitForState(t, h.co, StateUserTalking)
	if got := h.sink.spokenTexts(); len(got) != 0 {
		t.Fatalf("speak called while user talking: %v", got)
	}

	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateAvatarSpeaking)
	if got := h.rep.sentTexts(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent = %v, want [hello]", got)
	}

	h.rep.msgs <- replychan.Message{Text: "Hi"}
	h.rep.msgs <- replychan.Message{Text: " there"}
	h.rep.msgs <- replychan.Message{End: true}
	waitForState(t, h.co, StateIdle)

	got := h.sink.spokenTexts()
	if len(got) != 2 || got[0] != "Hi" || got[1] != " there" {
		t.Fatalf("spoken = %v, want [Hi,  there]", got)
	}

	waitFor(t, "transcript turns persisted", func() bool {
		turns, err := h.store.RecentTurns(context.Background(), "u1:c1:k1", 10)
		return err == nil && len(turns) == 2
	})
	turns, _ := h.store.RecentTurns(context.Background(), "u1:c1:k1", 10)
	byRole := map[string]string{}
	for _, rec := range turns {
		byRole[rec.Role] = rec.Content
	}
	if byRole[transcript.RoleUser] != "hello" {
		t.Fatalf("user turn = %q, want %q", byRole[transcript.RoleUser], "hello")
	}
	if byRole[transcript.RoleAvatar] != "Hi there" {
		t.Fatalf("avatar turn = %q, want %q", byRole[transcript.RoleAvatar], "Hi there")
	}
}

func TestTranscriptDuringSpeechIsBuffered(t *testing.T) {
	tr := &fakeTranscriber{
		gate: make(chan struct{}, 2),
		replies: []transcribeReply{
			{res: transcribe.Result{Text: "hello"}},
			{res: transcribe.Result{Text: "world"}},
		},
	}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateAwaitingTranscript)

	// User re-triggers before the first transcript lands.
	h.mon.emit(vad.EventSpeechStart)
	tr.gate <- struct{}{}
	waitForState(t, h.co, StateUserTalking)
	if got := h.rep.sentTexts(); len(got) != 0 {
		t.Fatalf("send issued while user still talking: %v", got)
	}

	h.mon.emit(vad.EventSpeechEnd)
	tr.gate <- struct{}{}
	waitForState(t, h.co, StateAvatarSpeaking)
	if got := h.rep.sentTexts(); len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("sent = %v, want [hello world]", got)
	}
}

func TestBargeInInterruptsAndDrainsStaleTurn(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{
		{res: transcribe.Result{Text: "hello"}},
		{res: transcribe.Result{Text: "again"}},
	}}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateAvatarSpeaking)
	h.rep.msgs <- replychan.Message{Text: "Hi"}
	waitFor(t, "first chunk spoken", func() bool { return len(h.sink.spokenTexts()) == 1 })

	// Barge-in: playback is cut and the backend signaled before anything else.
	h.mon.emit(vad.EventSpeechStart)
	waitForState(t, h.co, StateUserTalking)
	if got := h.sink.interruptCount(); got != 1 {
		t.Fatalf("interrupts = %d, want 1", got)
	}
	if got := h.sig.callIDs(); len(got) != 1 || got[0] != "k1" {
		t.Fatalf("signals = %v, want [k1]", got)
	}

	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateAwaitingTranscript)

	// The next dispatch must wait for the stale turn's sentinel.
	waitFor(t, "second transcription", func() bool { return tr.callCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := h.rep.sentTexts(); len(got) != 1 {
		t.Fatalf("dispatched before stale turn drained: %v", got)
	}

	h.rep.msgs <- replychan.Message{Text: " there"} // stale, discarded
	h.rep.msgs <- replychan.Message{End: true}      // stale sentinel
	waitForState(t, h.co, StateAvatarSpeaking)
	if got := h.rep.sentTexts(); len(got) != 2 || got[1] != "again" {
		t.Fatalf("sent = %v, want [hello again]", got)
	}
	if got := h.sink.spokenTexts(); len(got) != 1 {
		t.Fatalf("stale chunk reached the sink: %v", got)
	}
}

func TestServiceSideFailureReturnsIdle(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{
		{res: transcribe.Result{ErrorDetail: "unintelligible audio"}},
	}}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateIdle)
	if got := h.rep.sentTexts(); len(got) != 0 {
		t.Fatalf("send issued for failed transcription: %v", got)
	}
}

func TestTransportFailureFailsSoft(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{
		{err: &transcribe.Error{Detail: "connection refused", Retryable: true}},
	}}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateIdle)
	if got := h.rep.sentTexts(); len(got) != 0 {
		t.Fatalf("send issued after transport failure: %v", got)
	}
	waitFor(t, "failure notification", func() bool {
		codes := h.notes.failureCodes()
		return len(codes) == 1 && codes[0] == "transcription_failed"
	})
}

func TestMisfireReturnsIdleWithoutTranscription(t *testing.T) {
	tr := &fakeTranscriber{}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	waitForState(t, h.co, StateUserTalking)
	h.mon.emit(vad.EventMisfire)
	waitForState(t, h.co, StateIdle)
	if got := tr.callCount(); got != 0 {
		t.Fatalf("transcriber called %d times on misfire, want 0", got)
	}
	if got := h.rep.sentTexts(); len(got) != 0 {
		t.Fatalf("send issued on misfire: %v", got)
	}
}

func TestChannelClosedMidTurn(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{{res: transcribe.Result{Text: "hello"}}}}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateAvatarSpeaking)

	h.rep.msgs <- replychan.Message{Err: &replychan.ClosedError{Detail: "gone"}}
	waitForState(t, h.co, StateIdle)
	waitFor(t, "closure notification", func() bool {
		codes := h.notes.failureCodes()
		return len(codes) == 1 && codes[0] == "reply_channel_closed"
	})
}

func TestChannelClosedDuringStaleDrain(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{
		{res: transcribe.Result{Text: "hello"}},
		{res: transcribe.Result{Text: "again"}},
	}}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateAvatarSpeaking)
	h.rep.msgs <- replychan.Message{Text: "Hi"}

	// Barge in, then finish the second utterance while the interrupted
	// turn's sentinel is still outstanding.
	h.mon.emit(vad.EventSpeechStart)
	waitForState(t, h.co, StateUserTalking)
	h.mon.emit(vad.EventSpeechEnd)
	waitFor(t, "second transcription", func() bool { return tr.callCount() == 2 })
	time.Sleep(50 * time.Millisecond) // let the buffered transcript land

	// The channel dies before that sentinel ever arrives.
	h.rep.msgs <- replychan.Message{Err: &replychan.ClosedError{Detail: "gone"}}
	waitForState(t, h.co, StateIdle)
	waitFor(t, "closure notification", func() bool {
		codes := h.notes.failureCodes()
		return len(codes) == 1 && codes[0] == "reply_channel_closed"
	})
	if got := h.rep.sentTexts(); len(got) != 1 {
		t.Fatalf("sent = %v, want only the first turn", got)
	}

	// The abandoned transcript must not leak into a later turn.
	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventMisfire)
	waitForState(t, h.co, StateIdle)
	if got := h.rep.sentTexts(); len(got) != 1 {
		t.Fatalf("abandoned text redispatched: %v", got)
	}
}

func TestSendFailureAbandonsTurn(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{{res: transcribe.Result{Text: "hello"}}}}
	h := newHarness(t, tr)
	h.rep.mu.Lock()
	h.rep.sendErr = replychan.ErrNotReady
	h.rep.mu.Unlock()

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateIdle)
	waitFor(t, "dispatch failure notification", func() bool {
		codes := h.notes.failureCodes()
		return len(codes) == 1 && codes[0] == "reply_channel_unavailable"
	})
}

func TestSessionEndIsAbsorbing(t *testing.T) {
	tr := &fakeTranscriber{replies: []transcribeReply{{res: transcribe.Result{Text: "hello"}}}}
	h := newHarness(t, tr)

	h.mon.emit(vad.EventSpeechStart)
	h.mon.emit(vad.EventSpeechEnd)
	waitForState(t, h.co, StateAvatarSpeaking)

	h.co.End()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after End")
	}

	if got := h.co.State(); got != StateEnded {
		t.Fatalf("state = %q, want %q", got, StateEnded)
	}
	h.rep.mu.Lock()
	closed := h.rep.closed
	h.rep.mu.Unlock()
	if !closed {
		t.Fatalf("reply channel not closed on session end")
	}
	h.mon.mu.Lock()
	paused := h.mon.paused
	h.mon.mu.Unlock()
	if !paused {
		t.Fatalf("speech monitor not paused on session end")
	}
	if got := h.sink.interruptCount(); got != 1 {
		t.Fatalf("interrupts = %d, want 1 on session end", got)
	}
}
