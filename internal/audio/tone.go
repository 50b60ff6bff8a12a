package audio

import (
	"sync"
	"time"

	"github.com/ClareAI/astra-call-console/pkg/logger"
	"go.uber.org/zap"
)

// ToneProfile names one of the call-progress cues
type ToneProfile string

const (
	ToneDial    ToneProfile = "dial"
	ToneRing    ToneProfile = "ring"
	ToneConnect ToneProfile = "connect"
	ToneEnd     ToneProfile = "end"
)

// TonePattern describes how a profile's oscillator is driven
type TonePattern string

const (
	PatternContinuous TonePattern = "continuous"
	PatternBeep       TonePattern = "beep" // single burst of Duration, then silence
	PatternRing       TonePattern = "ring" // repeating cadence: RingOn on, RingOff off
)

// ToneSpec is the frequency/duration/pattern profile for one cue
type ToneSpec struct {
	Frequency float64
	Duration  time.Duration // burst length for beep patterns
	Pattern   TonePattern
	RingOn    time.Duration
	RingOff   time.Duration
}

// defaultSpecs are the standard call-progress cues
var defaultSpecs = map[ToneProfile]ToneSpec{
	ToneDial:    {Frequency: 350, Pattern: PatternContinuous},
	ToneRing:    {Frequency: 440, Pattern: PatternRing, RingOn: 2 * time.Second, RingOff: 4 * time.Second},
	ToneConnect: {Frequency: 600, Duration: 200 * time.Millisecond, Pattern: PatternBeep},
	ToneEnd:     {Frequency: 480, Duration: 300 * time.Millisecond, Pattern: PatternBeep},
}

// Player is the platform audio binding. Implementations drive a real
// oscillator or output device; the synthesizer only sequences it.
type Player interface {
	Start(profile ToneProfile, frequency float64)
	Stop(profile ToneProfile)
}

// NopPlayer is a Player that only logs, used when no audio backend is bound
type NopPlayer struct{}

func (NopPlayer) Start(profile ToneProfile, frequency float64) {
	logger.Base().Debug("Tone start", zap.String("profile", string(profile)), zap.Float64("frequency", frequency))
}

func (NopPlayer) Stop(profile ToneProfile) {
	logger.Base().Debug("Tone stop", zap.String("profile", string(profile)))
}

// activeTone tracks one playing profile; cancel tears down its timers and
// done closes once the generator has fully stopped.
type activeTone struct {
	cancel chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (t *activeTone) stop() {
	t.once.Do(func() { close(t.cancel) })
}

// Synthesizer sequences call-progress cues over a Player binding. At most one
// generator runs per profile: restarting a playing profile stops the prior
// instance first.
type Synthesizer struct {
	player Player
	specs  map[ToneProfile]ToneSpec

	mutex  sync.Mutex
	active map[ToneProfile]*activeTone
}

// NewSynthesizer creates a synthesizer with the standard cue profiles.
// A nil player falls back to the logging NopPlayer.
func NewSynthesizer(player Player) *Synthesizer {
	if player == nil {
		player = NopPlayer{}
	}
	return &Synthesizer{
		player: player,
		specs:  defaultSpecs,
		active: make(map[ToneProfile]*activeTone),
	}
}

// Play starts the given profile, replacing any prior instance of it
func (s *Synthesizer) Play(profile ToneProfile) {
	spec, ok := s.specs[profile]
	if !ok {
		logger.Base().Warn("Unknown tone profile", zap.String("profile", string(profile)))
		return
	}

	s.mutex.Lock()
	prior, hadPrior := s.active[profile]
	tone := &activeTone{cancel: make(chan struct{}), done: make(chan struct{})}
	s.active[profile] = tone
	s.mutex.Unlock()

	// A profile restart fully stops the prior generator before the new one
	// starts, so a profile never has two concurrent oscillators.
	if hadPrior {
		prior.stop()
		<-prior.done
	}

	switch spec.Pattern {
	case PatternContinuous:
		s.player.Start(profile, spec.Frequency)
		go func() {
			defer close(tone.done)
			<-tone.cancel
			s.player.Stop(profile)
			s.clear(profile, tone)
		}()
	case PatternBeep:
		s.player.Start(profile, spec.Frequency)
		go func() {
			defer close(tone.done)
			timer := time.NewTimer(spec.Duration)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-tone.cancel:
			}
			s.player.Stop(profile)
			s.clear(profile, tone)
		}()
	case PatternRing:
		go s.runCadence(profile, spec, tone)
	}
}

// runCadence drives the repeating on/off ring pattern until cancelled
func (s *Synthesizer) runCadence(profile ToneProfile, spec ToneSpec, tone *activeTone) {
	defer close(tone.done)
	defer s.clear(profile, tone)

	timer := time.NewTimer(0)
	defer timer.Stop()

	on := false
	for {
		select {
		case <-tone.cancel:
			if on {
				s.player.Stop(profile)
			}
			return
		case <-timer.C:
		}

		if on {
			s.player.Stop(profile)
			timer.Reset(spec.RingOff)
		} else {
			s.player.Start(profile, spec.Frequency)
			timer.Reset(spec.RingOn)
		}
		on = !on
	}
}

// Stop ends the given profile if it is playing. Safe when already stopped.
func (s *Synthesizer) Stop(profile ToneProfile) {
	s.mutex.Lock()
	tone, exists := s.active[profile]
	s.mutex.Unlock()

	if exists {
		tone.stop()
	}
}

// StopAll ends every playing profile. Safe when nothing is playing.
func (s *Synthesizer) StopAll() {
	s.mutex.Lock()
	tones := make([]*activeTone, 0, len(s.active))
	for _, tone := range s.active {
		tones = append(tones, tone)
	}
	s.mutex.Unlock()

	for _, tone := range tones {
		tone.stop()
	}
}

// Playing reports whether the profile currently has an active generator
func (s *Synthesizer) Playing(profile ToneProfile) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, exists := s.active[profile]
	return exists
}

// clear removes the tone from the active set if it is still the current one
// for its profile; a replacement started in the meantime is left alone.
func (s *Synthesizer) clear(profile ToneProfile, tone *activeTone) {
	s.mutex.Lock()
	if s.active[profile] == tone {
		delete(s.active, profile)
	}
	s.mutex.Unlock()
}
