// Package turn implements the conversational turn-taking coordinator. It
// owns the state machine that decides when the user holds the floor, when a
// captured utterance is transcribed and dispatched to the chat backend, and
// when the avatar speaks the streamed reply. All transitions run on a single
// loop goroutine, so at most one turn is ever in flight.
package turn

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/visage/internal/observability"
	"github.com/antoniostano/visage/internal/replychan"
	"github.com/antoniostano/visage/internal/transcribe"
	"github.com/antoniostano/visage/internal/transcript"
	"github.com/antoniostano/visage/internal/vad"
)

// State is the coordinator's conversational state.
type State string

const (
	StateIdle               State = "idle"
	StateUserTalking        State = "user_talking"
	StateAwaitingTranscript State = "awaiting_transcript"
	StateAvatarSpeaking     State = "avatar_speaking"
	StateEnded              State = "ended"
)

// SpeechMonitor is the voice activity source driving the coordinator.
type SpeechMonitor interface {
	Start()
	Pause()
	Events() <-chan vad.Event
}

// Transcriber converts one captured utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (transcribe.Result, error)
}

// ReplyChannel is the duplex connection to the chat backend.
type ReplyChannel interface {
	Send(sessionID, text string) error
	Messages() <-chan replychan.Message
	Close() error
}

// PlaybackSink speaks reply chunks and cuts playback on barge-in.
type PlaybackSink interface {
	Speak(turnID, text string) error
	Interrupt() error
}

// InterruptSignaler notifies the chat backend of a barge-in out of band.
type InterruptSignaler interface {
	Signal(ctx context.Context, callID string)
}

// Notifier receives best-effort status, failure, and transcript reports for
// the client. Implementations must not block.
type Notifier interface {
	Status(code, detail string)
	Failure(code, source, detail string, retryable bool)
	Transcript(text string)
}

// Config carries the per-session parameters the coordinator needs.
type Config struct {
	CustomSessionID   string
	CallID            string
	Language          string
	SampleRate        int
	TranscribeTimeout time.Duration
	Store             transcript.Store
	Metrics           *observability.Metrics
}

// Deps are the coordinator's collaborators, one per leaf concern.
type Deps struct {
	Monitor     SpeechMonitor
	Transcriber Transcriber
	Reply       ReplyChannel
	Sink        PlaybackSink
	Signaler    InterruptSignaler
	Notifier    Notifier
}

type eventKind int

const (
	evSpeech eventKind = iota
	evTranscript
	evEnd
)

type event struct {
	kind   eventKind
	speech vad.Event
	result transcribe.Result
	err    error
}

// Coordinator ties the speech monitor, transcriber, reply channel, and
// playback sink into one turn-taking loop for a single session.
type Coordinator struct {
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	stateMu sync.Mutex
	state   State

	// Loop-owned fields, never touched outside the run goroutine.
	talking            bool
	pendingText        string
	pendingTranscripts int
	staleSentinels     int
	turnID             string
	avatarText         strings.Builder
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = 15 * time.Second
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		events: make(chan event, 64),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// State reports the current conversational state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// End requests session teardown. Safe to call more than once.
func (c *Coordinator) End() {
	c.post(event{kind: evEnd})
}

func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run drives the coordinator until the session ends or ctx is canceled. It
// starts the speech monitor on entry and owns every state transition.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	c.deps.Monitor.Start()
	go c.pumpSpeech()

	msgs := c.deps.Reply.Messages()
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return c.ctx.Err()
		case ev := <-c.events:
			if ev.kind == evEnd {
				c.shutdown()
				return nil
			}
			c.handleEvent(ev)
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			c.handleReply(msg)
		}
	}
}

func (c *Coordinator) pumpSpeech() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-c.deps.Monitor.Events():
			if !ok {
				return
			}
			c.post(event{kind: evSpeech, speech: ev})
		}
	}
}

func (c *Coordinator) handleEvent(ev event) {
	switch ev.kind {
	case evSpeech:
		c.handleSpeech(ev.speech)
	case evTranscript:
		c.handleTranscript(ev.result, ev.err)
	}
}

func (c *Coordinator) handleSpeech(ev vad.Event) {
	switch ev.Type {
	case vad.EventSpeechStart:
		c.talking = true
		switch c.State() {
		case StateAvatarSpeaking:
			c.bargeIn()
			c.setState(StateUserTalking)
		case StateIdle:
			c.setState(StateUserTalking)
		}
	case vad.EventSpeechEnd:
		c.talking = false
		c.beginTranscription(ev.Samples)
		if c.State() == StateUserTalking {
			c.setState(StateAwaitingTranscript)
		}
	case vad.EventMisfire:
		// A retracted speech hypothesis resolves like an utterance that
		// transcribed to nothing.
		c.talking = false
		c.maybeDispatch()
	}
}

// bargeIn cuts avatar playback and signals the backend concurrently, then
// waits for both so the avatar cannot keep talking over the user. The reply
// already in flight keeps streaming; its chunks are discarded until its
// sentinel drains.
func (c *Coordinator) bargeIn() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.deps.Sink.Interrupt(); err != nil {
			log.Printf("turn: interrupt playback: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		sctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		c.deps.Signaler.Signal(sctx, c.cfg.CallID)
	}()
	wg.Wait()

	c.staleSentinels++
	c.avatarText.Reset()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Interruptions.Inc()
	}
}

func (c *Coordinator) beginTranscription(samples []float32) {
	c.pendingTranscripts++
	started := time.Now()
	go func() {
		tctx, cancel := context.WithTimeout(c.ctx, c.cfg.TranscribeTimeout)
		defer cancel()
		res, err := c.deps.Transcriber.Transcribe(tctx, samples, c.cfg.SampleRate, c.cfg.Language)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ObserveTranscriptionLatency(time.Since(started))
		}
		c.post(event{kind: evTranscript, result: res, err: err})
	}()
}

func (c *Coordinator) handleTranscript(res transcribe.Result, err error) {
	c.pendingTranscripts--

	text := res.Text
	switch {
	case err != nil:
		// Transport failure or timeout, fail soft to an empty transcript.
		log.Printf("turn: transcription: %v", err)
		retryable := true
		var terr *transcribe.Error
		if errors.As(err, &terr) {
			retryable = terr.Retryable
		}
		c.notifyFailure("transcription_failed", "transcriber", err.Error(), retryable)
		c.countProviderError("transcriber", "transport")
		text = ""
	case res.Failed():
		log.Printf("turn: transcription rejected: %s", res.ErrorDetail)
		c.countProviderError("transcriber", "service")
		text = ""
	}

	if text != "" {
		if c.pendingText != "" {
			c.pendingText += " "
		}
		c.pendingText += strings.TrimSpace(text)
	}

	if c.talking {
		// The user re-triggered before this transcript landed; buffer and
		// defer dispatch until they are confirmed silent.
		if c.pendingTranscripts == 0 && c.State() == StateAwaitingTranscript {
			c.setState(StateUserTalking)
		}
		return
	}
	c.maybeDispatch()
}

// maybeDispatch flushes the accumulated transcript to the reply channel once
// the user is silent, every in-flight transcription has resolved, and any
// superseded turn's chunk stream has drained. An empty flush returns to Idle.
func (c *Coordinator) maybeDispatch() {
	if c.talking || c.pendingTranscripts > 0 || c.staleSentinels > 0 {
		return
	}
	switch c.State() {
	case StateAvatarSpeaking, StateEnded:
		return
	}

	text := strings.TrimSpace(c.pendingText)
	c.pendingText = ""
	if text == "" {
		c.setState(StateIdle)
		return
	}

	if err := c.deps.Reply.Send(c.cfg.CustomSessionID, text); err != nil {
		log.Printf("turn: dispatch turn: %v", err)
		c.notifyFailure("reply_channel_unavailable", "reply_channel", err.Error(), false)
		c.setState(StateIdle)
		return
	}

	c.turnID = uuid.NewString()
	c.avatarText.Reset()
	c.setState(StateAvatarSpeaking)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionEvents.WithLabelValues("turn_dispatched").Inc()
	}
	if c.deps.Notifier != nil {
		c.deps.Notifier.Transcript(text)
	}
	c.saveTurn(transcript.RoleUser, text)
}

func (c *Coordinator) handleReply(msg replychan.Message) {
	if msg.Err != nil {
		// Closure mid-turn abandons the turn; session end is the only
		// recovery path, there is no reconnect.
		log.Printf("turn: reply channel: %v", msg.Err)
		c.notifyFailure("reply_channel_closed", "reply_channel", msg.Err.Error(), false)
		c.staleSentinels = 0
		c.pendingText = ""
		if !c.talking && c.pendingTranscripts == 0 && c.State() != StateEnded {
			c.setState(StateIdle)
		}
		return
	}

	if c.staleSentinels > 0 {
		// Chunks from an interrupted turn are dead text.
		if msg.End {
			c.staleSentinels--
			if c.staleSentinels == 0 {
				c.maybeDispatch()
			}
		}
		return
	}

	if c.State() != StateAvatarSpeaking {
		if !msg.End {
			log.Printf("turn: dropping out-of-turn chunk %q", msg.Text)
		}
		return
	}

	if msg.End {
		c.saveTurn(transcript.RoleAvatar, c.avatarText.String())
		c.avatarText.Reset()
		c.setState(StateIdle)
		c.maybeDispatch()
		return
	}

	c.avatarText.WriteString(msg.Text)
	if err := c.deps.Sink.Speak(c.turnID, msg.Text); err != nil {
		log.Printf("turn: speak chunk: %v", err)
	}
}

func (c *Coordinator) shutdown() {
	if c.State() == StateEnded {
		return
	}
	c.setState(StateEnded)
	if err := c.deps.Sink.Interrupt(); err != nil {
		log.Printf("turn: interrupt on shutdown: %v", err)
	}
	if err := c.deps.Reply.Close(); err != nil {
		log.Printf("turn: close reply channel: %v", err)
	}
	c.deps.Monitor.Pause()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionEvents.WithLabelValues("session_ended").Inc()
	}
}

func (c *Coordinator) saveTurn(role, content string) {
	if c.cfg.Store == nil || strings.TrimSpace(content) == "" {
		return
	}
	rec := transcript.TurnRecord{
		ID:        uuid.NewString(),
		SessionID: c.cfg.CustomSessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.cfg.Store.SaveTurn(sctx, rec); err != nil {
			log.Printf("turn: save %s turn: %v", role, err)
		}
	}()
}

func (c *Coordinator) notifyFailure(code, source, detail string, retryable bool) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Failure(code, source, detail, retryable)
	}
}

func (c *Coordinator) countProviderError(provider, code string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
}
