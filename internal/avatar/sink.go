package avatar

import (
	"errors"
	"log"
	"sync"

	"github.com/antoniostano/visage/internal/protocol"
)

// ErrAvatarNotInitialized is returned when a command targets a sink whose
// session has already been torn down.
var ErrAvatarNotInitialized = errors.New("avatar not initialized")

// Outbound accepts messages bound for the browser over the session socket.
type Outbound interface {
	Enqueue(msg any) error
}

// Sink drives the browser-side avatar: speak commands carry reply chunks in
// order, interrupt commands cut playback of everything queued so far.
type Sink struct {
	sessionID string
	out       Outbound

	mu     sync.Mutex
	seq    int
	closed bool
}

func NewSink(sessionID string, out Outbound) *Sink {
	return &Sink{sessionID: sessionID, out: out}
}

// Speak enqueues one chunk of reply text for playback. Chunks within a turn
// share the turn id and carry a monotonically increasing sequence number.
func (s *Sink) Speak(turnID, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAvatarNotInitialized
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return s.out.Enqueue(protocol.AvatarSpeak{
		Type:      protocol.TypeAvatarSpeak,
		SessionID: s.sessionID,
		TurnID:    turnID,
		Text:      text,
		Seq:       seq,
	})
}

// Interrupt cuts current playback. Interrupting a torn-down session is a
// logged no-op so barge-in during teardown cannot fail the caller.
func (s *Sink) Interrupt() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		log.Printf("avatar: interrupt on torn-down session %s ignored", s.sessionID)
		return nil
	}
	return s.out.Enqueue(protocol.AvatarInterrupt{
		Type:      protocol.TypeAvatarInterrupt,
		SessionID: s.sessionID,
	})
}

// Shutdown marks the sink torn down. Further Speak calls fail and Interrupt
// calls become no-ops.
func (s *Sink) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
