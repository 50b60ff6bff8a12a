package audio

import (
	"sync"

	"github.com/ClareAI/astra-call-console/pkg/logger"
	"go.uber.org/zap"
)

// CaptureDevice is the platform binding for local audio capture. The zero
// dependency default is NopCaptureDevice; a real binding owns the capture
// track and any associated audio-processing context.
type CaptureDevice interface {
	Open() error
	Close() error
	SetMuted(muted bool)
	SetGain(gain float64) // 0.0 .. 1.0 on the device's gain stage
}

// NopCaptureDevice is a CaptureDevice that only logs
type NopCaptureDevice struct{}

func (NopCaptureDevice) Open() error  { return nil }
func (NopCaptureDevice) Close() error { return nil }
func (NopCaptureDevice) SetMuted(muted bool) {
	logger.Base().Debug("Capture mute", zap.Bool("muted", muted))
}
func (NopCaptureDevice) SetGain(gain float64) {
	logger.Base().Debug("Capture gain", zap.Float64("gain", gain))
}

// MicrophoneManager owns the local capture device for the active call.
// Acquire and Release are idempotent; Release always leaves the device closed
// regardless of which teardown path ran first.
type MicrophoneManager struct {
	device CaptureDevice

	mutex    sync.Mutex
	acquired bool
	muted    bool
	volume   int
}

// NewMicrophoneManager creates a manager over the given device binding.
// A nil device falls back to the logging NopCaptureDevice.
func NewMicrophoneManager(device CaptureDevice) *MicrophoneManager {
	if device == nil {
		device = NopCaptureDevice{}
	}
	return &MicrophoneManager{
		device: device,
		volume: 100,
	}
}

// Acquire opens the capture device. Returns the existing handle state when
// already acquired.
func (m *MicrophoneManager) Acquire() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.acquired {
		return nil
	}
	if err := m.device.Open(); err != nil {
		logger.Base().Error("Failed to acquire microphone", zap.Error(err))
		return err
	}
	m.acquired = true
	m.device.SetMuted(m.muted)
	if m.muted {
		m.device.SetGain(0)
	} else {
		m.device.SetGain(float64(m.volume) / 100)
	}
	logger.Base().Info("Microphone acquired")
	return nil
}

// SetMuted toggles both the capture track and the associated gain stage
func (m *MicrophoneManager) SetMuted(muted bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.muted = muted
	if !m.acquired {
		return
	}
	m.device.SetMuted(muted)
	if muted {
		m.device.SetGain(0)
	} else {
		m.device.SetGain(float64(m.volume) / 100)
	}
}

// Muted reports the current mute state
func (m *MicrophoneManager) Muted() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.muted
}

// SetOutputVolume sets the gain stage level, clamped to 0..100
func (m *MicrophoneManager) SetOutputVolume(volume int) {
	if volume < 0 {
		volume = 0
	} else if volume > 100 {
		volume = 100
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.volume = volume
	if m.acquired && !m.muted {
		m.device.SetGain(float64(volume) / 100)
	}
}

// OutputVolume reports the current gain stage level
func (m *MicrophoneManager) OutputVolume() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.volume
}

// Release stops all tracks and closes the device. Safe to call when already
// released.
func (m *MicrophoneManager) Release() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.acquired {
		return
	}
	if err := m.device.Close(); err != nil {
		logger.Base().Warn("Error closing capture device", zap.Error(err))
	}
	m.acquired = false
	logger.Base().Info("Microphone released")
}

// Acquired reports whether the capture device is currently held
func (m *MicrophoneManager) Acquired() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.acquired
}
