package config

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dewayanto/livetutor/pkg/audio"
	"github.com/dewayanto/livetutor/pkg/audio/capture"
	"github.com/dewayanto/livetutor/pkg/provider/live"
)

// ErrNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// ProviderFactory builds a live transport. apiKey is the resolved credential.
type ProviderFactory func(entry ProviderConfig, apiKey string) (live.Provider, error)

// DeviceFactory builds a microphone device.
type DeviceFactory func(entry CaptureConfig) (capture.Device, error)

// OutputFactory builds the sink that receives rendered s16le audio in format f.
type OutputFactory func(entry PlaybackConfig, f audio.Format) (io.WriteCloser, error)

// Registry maps names to constructor functions for each pluggable component.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
	devices   map[string]DeviceFactory
	outputs   map[Output]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ProviderFactory),
		devices:   make(map[string]DeviceFactory),
		outputs:   make(map[Output]OutputFactory),
	}
}

// RegisterProvider registers a live transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProvider(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterDevice registers a capture device factory under name.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// RegisterOutput registers a playback sink factory under name.
func (r *Registry) RegisterOutput(name Output, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// CreateProvider instantiates the transport registered under entry.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateProvider(entry ProviderConfig, apiKey string) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry, apiKey)
}

// CreateDevice instantiates the capture device registered under entry.Device.
func (r *Registry) CreateDevice(entry CaptureConfig) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[entry.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrNotRegistered, entry.Device)
	}
	return factory(entry)
}

// CreateOutput instantiates the playback sink registered under entry.Output.
func (r *Registry) CreateOutput(entry PlaybackConfig, f audio.Format) (io.WriteCloser, error) {
	r.mu.RLock()
	factory, ok := r.outputs[entry.Output]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrNotRegistered, entry.Output)
	}
	return factory(entry, f)
}
