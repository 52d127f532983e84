package app

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/antoniostano/visage/internal/audio"
	"github.com/antoniostano/visage/internal/avatar"
	"github.com/antoniostano/visage/internal/config"
	"github.com/antoniostano/visage/internal/observability"
	"github.com/antoniostano/visage/internal/protocol"
	"github.com/antoniostano/visage/internal/replychan"
	"github.com/antoniostano/visage/internal/session"
	"github.com/antoniostano/visage/internal/transcribe"
	"github.com/antoniostano/visage/internal/transcript"
	"github.com/antoniostano/visage/internal/turn"
	"github.com/antoniostano/visage/internal/vad"
)

var errOutboundFull = errors.New("outbound queue full")

// Gateway owns one turn-taking pipeline per websocket connection: speech
// monitor, transcriber, reply channel, and playback sink wired into a
// coordinator bound to the connected session.
type Gateway struct {
	cfg      config.Config
	sessions *session.Manager
	store    transcript.Store
	metrics  *observability.Metrics
}

func NewGateway(cfg config.Config, sessions *session.Manager, store transcript.Store, metrics *observability.Metrics) *Gateway {
	return &Gateway{cfg: cfg, sessions: sessions, store: store, metrics: metrics}
}

// RunConnection drives one session's conversation until the client ends it,
// the inbound stream closes, or ctx is canceled.
func (g *Gateway) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	out := &outboundQueue{
		sessionID: sess.ID,
		ch:        outbound,
		sessions:  g.sessions,
	}

	reply := replychan.New(g.cfg.ReplyChannelURL)
	if err := reply.Open(ctx); err != nil {
		out.Failure("reply_channel_unavailable", "reply_channel", err.Error(), false)
		g.endSession(sess.ID)
		return err
	}

	monitor := vad.NewMonitor(vad.Config{
		FrameSize:          g.cfg.VADFrameSize,
		PositiveThreshold:  g.cfg.VADPositiveThreshold,
		NegativeThreshold:  g.cfg.VADNegativeThreshold,
		MinSpeechFrames:    g.cfg.VADMinSpeechFrames,
		RedemptionFrames:   g.cfg.VADRedemptionFrames,
		PreSpeechPadFrames: g.cfg.VADPreSpeechPadFrames,
	}, nil)
	sink := avatar.NewSink(sess.ID, out)
	defer sink.Shutdown()

	co := turn.New(turn.Config{
		CustomSessionID:   sess.CustomSessionID,
		CallID:            sess.Key.CallID,
		Language:          g.cfg.TranscriptionLang,
		SampleRate:        g.cfg.VADSampleRate,
		TranscribeTimeout: g.cfg.TranscriptionTimeout,
		Store:             g.store,
		Metrics:           g.metrics,
	}, turn.Deps{
		Monitor: monitor,
		Transcriber: transcribe.New(transcribe.Config{
			URL:     g.cfg.TranscriptionURL,
			APIKey:  g.cfg.TranscriptionAPIKey,
			Timeout: g.cfg.TranscriptionTimeout,
		}),
		Reply:    reply,
		Sink:     sink,
		Signaler: avatar.NewSignaler(g.cfg.InterruptionURL),
		Notifier: out,
	})

	// Start the monitor before consuming inbound audio so chunks arriving
	// ahead of the coordinator's loop are not dropped.
	monitor.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- co.Run(runCtx) }()

	var runErr error
loop:
	for {
		select {
		case runErr = <-done:
			break loop
		case msg, ok := <-inbound:
			if !ok {
				co.End()
				runErr = <-done
				break loop
			}
			g.handleInbound(sess.ID, msg, monitor, co, out)
		}
	}

	g.endSession(sess.ID)
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return runErr
}

// endSession marks the session ended so active counts do not wait on the
// janitor. Already-ended sessions are left alone.
func (g *Gateway) endSession(id string) {
	if _, err := g.sessions.End(id); err == nil && g.metrics != nil {
		g.metrics.ActiveSessions.Set(float64(g.sessions.ActiveCount()))
	}
}

func (g *Gateway) handleInbound(sessionID string, msg any, monitor *vad.Monitor, co *turn.Coordinator, out *outboundQueue) {
	switch m := msg.(type) {
	case protocol.ClientAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			out.Failure("invalid_audio_chunk", "gateway", err.Error(), false)
			return
		}
		monitor.Push(audio.DecodePCM16LE(pcm))
		_ = g.sessions.Touch(sessionID)
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionEndSession:
			co.End()
		case protocol.ActionAvatarStartTalking, protocol.ActionAvatarStopTalking:
			// Playback progress reported by the browser keeps the session warm.
			_ = g.sessions.Touch(sessionID)
		}
	default:
		log.Printf("gateway: unhandled inbound message %T", msg)
	}
}

// outboundQueue adapts the connection's outbound channel for the playback
// sink and the coordinator's notifier. Enqueue never blocks; the websocket
// writer is the only consumer and a saturated queue drops the message.
type outboundQueue struct {
	sessionID string
	ch        chan<- any
	sessions  *session.Manager
}

func (q *outboundQueue) Enqueue(msg any) error {
	if _, ok := msg.(protocol.AvatarInterrupt); ok {
		_ = q.sessions.Interrupt(q.sessionID)
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return errOutboundFull
	}
}

func (q *outboundQueue) Status(code, detail string) {
	if err := q.Enqueue(protocol.StatusEvent{
		Type:      protocol.TypeStatusEvent,
		SessionID: q.sessionID,
		Code:      code,
		Detail:    detail,
	}); err != nil {
		log.Printf("gateway: drop status %s: %v", code, err)
	}
}

func (q *outboundQueue) Transcript(text string) {
	if err := q.Enqueue(protocol.TranscriptEvent{
		Type:      protocol.TypeTranscriptEvent,
		SessionID: q.sessionID,
		Text:      text,
		TSMs:      time.Now().UnixMilli(),
	}); err != nil {
		log.Printf("gateway: drop transcript event: %v", err)
	}
}

func (q *outboundQueue) Failure(code, source, detail string, retryable bool) {
	if err := q.Enqueue(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: q.sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	}); err != nil {
		log.Printf("gateway: drop error %s: %v", code, err)
	}
}
