package vad

import (
	"log"
	"sync"
)

type EventType string

const (
	// EventSpeechStart is emitted once a speech hypothesis survives the
	// minimum frame count.
	EventSpeechStart EventType = "speech_start"
	// EventSpeechEnd carries the captured segment, padding included.
	EventSpeechEnd EventType = "speech_end"
	// EventMisfire replaces EventSpeechEnd when the hypothesis is retracted
	// before the minimum frame count.
	EventMisfire EventType = "misfire"
)

type Event struct {
	Type    EventType
	Samples []float32
}

// Config tunes the frame-level speech detector.
type Config struct {
	FrameSize          int
	PositiveThreshold  float64
	NegativeThreshold  float64
	MinSpeechFrames    int
	RedemptionFrames   int
	PreSpeechPadFrames int
}

func (c Config) withDefaults() Config {
	if c.FrameSize <= 0 {
		c.FrameSize = 512
	}
	if c.PositiveThreshold <= 0 {
		c.PositiveThreshold = 0.5
	}
	if c.NegativeThreshold <= 0 {
		c.NegativeThreshold = c.PositiveThreshold * 0.7
	}
	if c.MinSpeechFrames <= 0 {
		c.MinSpeechFrames = 3
	}
	if c.RedemptionFrames <= 0 {
		c.RedemptionFrames = 8
	}
	if c.PreSpeechPadFrames < 0 {
		c.PreSpeechPadFrames = 0
	}
	return c
}

// Monitor buffers incoming audio into fixed-size frames and classifies each
// as speech or silence. It emits strictly alternating speech_start /
// speech_end events, or a misfire instead of speech_end when the hypothesis
// collapses early.
type Monitor struct {
	mu         sync.Mutex
	cfg        Config
	classifier Classifier
	events     chan Event

	running bool

	partial    []float32
	padRing    [][]float32
	segment    []float32
	hypothesis bool
	confirmed  bool
	speechRun  int
	silenceRun int
}

func NewMonitor(cfg Config, classifier Classifier) *Monitor {
	if classifier == nil {
		classifier = NewEnergyClassifier()
	}
	return &Monitor{
		cfg:        cfg.withDefaults(),
		classifier: classifier,
		events:     make(chan Event, 64),
	}
}

// Events returns the monitor's event stream. The channel stays open for the
// monitor's lifetime; Pause only stops new events from being produced.
func (m *Monitor) Events() <-chan Event { return m.events }

// Start begins monitoring. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
}

// Pause stops monitoring and discards all in-flight buffers. A detected
// segment that has not yet ended is dropped without emitting speech_end.
func (m *Monitor) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.resetLocked()
}

// Push feeds raw samples into the monitor. Samples are ignored while paused.
func (m *Monitor) Push(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || len(samples) == 0 {
		return
	}

	m.partial = append(m.partial, samples...)
	for len(m.partial) >= m.cfg.FrameSize {
		frame := make([]float32, m.cfg.FrameSize)
		copy(frame, m.partial[:m.cfg.FrameSize])
		m.partial = m.partial[m.cfg.FrameSize:]
		m.processFrame(frame)
	}
}

func (m *Monitor) processFrame(frame []float32) {
	prob := m.classifier.Probability(frame)

	if !m.hypothesis {
		if prob >= m.cfg.PositiveThreshold {
			m.hypothesis = true
			m.speechRun = 1
			m.silenceRun = 0
			m.segment = m.segment[:0]
			for _, pad := range m.padRing {
				m.segment = append(m.segment, pad...)
			}
			m.segment = append(m.segment, frame...)
			m.maybeConfirm()
		} else {
			m.pushPad(frame)
		}
		return
	}

	m.segment = append(m.segment, frame...)
	if prob >= m.cfg.PositiveThreshold {
		m.speechRun++
		m.silenceRun = 0
		m.maybeConfirm()
		return
	}
	if prob >= m.cfg.NegativeThreshold {
		// Ambiguous frame: neither extends the speech run nor counts toward
		// the redemption window.
		return
	}

	m.silenceRun++
	if m.silenceRun < m.cfg.RedemptionFrames {
		return
	}

	// Segment over: trim the trailing redemption silence before handing the
	// samples off.
	keep := len(m.segment) - m.silenceRun*m.cfg.FrameSize
	if keep < 0 {
		keep = 0
	}
	if m.confirmed {
		out := make([]float32, keep)
		copy(out, m.segment[:keep])
		m.emit(Event{Type: EventSpeechEnd, Samples: out})
	} else {
		m.emit(Event{Type: EventMisfire})
	}
	m.resetLocked()
}

func (m *Monitor) maybeConfirm() {
	if !m.confirmed && m.speechRun >= m.cfg.MinSpeechFrames {
		m.confirmed = true
		m.emit(Event{Type: EventSpeechStart})
	}
}

func (m *Monitor) pushPad(frame []float32) {
	if m.cfg.PreSpeechPadFrames == 0 {
		return
	}
	m.padRing = append(m.padRing, frame)
	if len(m.padRing) > m.cfg.PreSpeechPadFrames {
		m.padRing = m.padRing[1:]
	}
}

func (m *Monitor) emit(evt Event) {
	select {
	case m.events <- evt:
	default:
		log.Printf("vad: dropping %s event, consumer too slow", evt.Type)
	}
}

func (m *Monitor) resetLocked() {
	m.partial = m.partial[:0]
	m.padRing = m.padRing[:0]
	m.segment = m.segment[:0]
	m.hypothesis = false
	m.confirmed = false
	m.speechRun = 0
	m.silenceRun = 0
}
