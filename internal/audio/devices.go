package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/gridtalk/gridtalk/internal/logger"
)

// Sink accepts PCM frames for playback.
type Sink interface {
	Write(frame []float32) error
	Close()
}

// Source delivers captured PCM frames through a callback.
type Source interface {
	Start(onFrame func(frame []float32)) error
	Close()
}

// DeviceSink plays audio through the default OS output device.
type DeviceSink struct {
	Log logger.Writer

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mutex   sync.Mutex
	pending []int16
}

// Initialize opens the playback device.
func (s *DeviceSink) Initialize() error {
	var err error
	s.ctx, err = malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.Log.Log(logger.Debug, "[audio] %s", message)
	})
	if err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	onSamples := func(out, _ []byte, frameCount uint32) {
		s.mutex.Lock()
		defer s.mutex.Unlock()

		n := int(frameCount)
		if n > len(s.pending) {
			n = len(s.pending)
		}
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s.pending[i]))
		}
		s.pending = s.pending[n:]
		for i := n; i < int(frameCount); i++ {
			out[i*2] = 0
			out[i*2+1] = 0
		}
	}

	s.device, err = malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		s.ctx.Uninit() //nolint:errcheck
		s.ctx.Free()
		return err
	}

	err = s.device.Start()
	if err != nil {
		s.device.Uninit()
		s.ctx.Uninit() //nolint:errcheck
		s.ctx.Free()
		return err
	}

	return nil
}

// Write queues a frame on the device. Frames beyond 200 ms of backlog
// are rejected, the caller owns pacing.
func (s *DeviceSink) Write(frame []float32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.pending) > 10*FrameSamples {
		return fmt.Errorf("playback backlog full")
	}
	s.pending = append(s.pending, Float32ToInt16(frame)...)
	return nil
}

// Close stops and releases the device.
func (s *DeviceSink) Close() {
	s.device.Uninit()
	s.ctx.Uninit() //nolint:errcheck
	s.ctx.Free()
}

// DeviceSource captures audio from the default OS input device and
// delivers it in FrameSamples chunks.
type DeviceSource struct {
	Log logger.Writer

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mutex   sync.Mutex
	pending []int16
}

// Start opens the capture device and begins delivering frames.
func (s *DeviceSource) Start(onFrame func(frame []float32)) error {
	var err error
	s.ctx, err = malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		s.Log.Log(logger.Debug, "[audio] %s", message)
	})
	if err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1

	onSamples := func(_, in []byte, frameCount uint32) {
		s.mutex.Lock()
		for i := 0; i < int(frameCount); i++ {
			s.pending = append(s.pending, int16(binary.LittleEndian.Uint16(in[i*2:])))
		}

		var full [][]float32
		for len(s.pending) >= FrameSamples {
			full = append(full, Int16ToFloat32(s.pending[:FrameSamples]))
			s.pending = s.pending[FrameSamples:]
		}
		s.mutex.Unlock()

		for _, frame := range full {
			onFrame(frame)
		}
	}

	s.device, err = malgo.InitDevice(s.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		s.ctx.Uninit() //nolint:errcheck
		s.ctx.Free()
		return err
	}

	err = s.device.Start()
	if err != nil {
		s.device.Uninit()
		s.ctx.Uninit() //nolint:errcheck
		s.ctx.Free()
		return err
	}

	return nil
}

// Close stops and releases the device.
func (s *DeviceSource) Close() {
	s.device.Uninit()
	s.ctx.Uninit() //nolint:errcheck
	s.ctx.Free()
}
