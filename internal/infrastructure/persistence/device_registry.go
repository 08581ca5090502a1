package persistence

import (
	"sync"
	"time"

	"github.com/aibridge/aibridge/internal/domain/entity"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceRegistry tracks connected client devices in memory. Devices that stay
// idle beyond the configured TTL are removed by the periodic sweep.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*entity.Device
	logger  *zap.Logger
}

// NewDeviceRegistry creates an empty device registry.
func NewDeviceRegistry(logger *zap.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*entity.Device),
		logger:  logger.With(zap.String("component", "device-registry")),
	}
}

// Register creates a new device identity. Re-registering is intentional: each
// call mints a fresh id, stale entries age out via the sweep.
func (r *DeviceRegistry) Register(name string, dtype entity.DeviceType, caps entity.Capabilities) (*entity.Device, error) {
	if name == "" {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "device name is required")
	}
	if !entity.ValidDeviceType(dtype) {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "unknown device type: "+string(dtype))
	}

	now := time.Now()
	device := &entity.Device{
		ID:           "dev_" + uuid.NewString(),
		Name:         name,
		Type:         dtype,
		Capabilities: caps,
		CreatedAt:    now,
		LastSeenAt:   now,
	}

	r.mu.Lock()
	r.devices[device.ID] = device
	r.mu.Unlock()

	r.logger.Info("Device registered",
		zap.String("device_id", device.ID),
		zap.String("name", name),
		zap.String("type", string(dtype)),
	)
	return device, nil
}

// Get returns a copy of the device record.
func (r *DeviceRegistry) Get(id string) (*entity.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindDeviceUnknown, "unknown device: "+id)
	}
	cp := *d
	return &cp, nil
}

// Touch refreshes the device's last-seen timestamp. Unknown ids are ignored;
// activity on an expired device surfaces as DeviceUnknown elsewhere.
func (r *DeviceRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSeenAt = time.Now()
	}
}

// List returns copies of all registered devices.
func (r *DeviceRegistry) List() []*entity.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entity.Device, 0, len(r.devices))
	for _, d := range r.devices {
		cp := *d
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of registered devices.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// SweepExpired removes devices idle for longer than ttl and returns how many
// were dropped.
func (r *DeviceRegistry) SweepExpired(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, d := range r.devices {
		if d.LastSeenAt.Before(cutoff) {
			delete(r.devices, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Info("Swept expired devices", zap.Int("count", n))
	}
	return n
}
