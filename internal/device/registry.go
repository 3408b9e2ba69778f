package device

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management on top of a Repository.
//
// Lookups are served through an explicit TTL-bounded cache so hot read
// paths (API listings, SMS tag resolution) do not hammer SQLite. The
// cache is a side-table keyed by device ID: entries expire on their own
// and are invalidated eagerly after any write. Topology queries used by
// the safety interlock (ListChildren, CountActiveSiblings) always go to
// the repository, never the cache, because interlock decisions must see
// committed state.
//
// All public methods are thread-safe.
type Registry struct {
	repo   Repository
	cache  *gocache.Cache
	logger Logger
}

// NewRegistry creates a new device registry.
//
// Parameters:
//   - repo: Persistence backend
//   - cacheTTL: How long a cached device stays valid; expired entries
//     are re-read from the repository on next access
func NewRegistry(repo Repository, cacheTTL time.Duration) *Registry {
	return &Registry{
		repo:   repo,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// GetDevice retrieves a device by ID, consulting the cache first.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	if cached, ok := r.cache.Get(id); ok {
		if d, ok := cached.(*Device); ok {
			return d.DeepCopy(), nil
		}
	}

	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cache.SetDefault(id, device.DeepCopy())
	return device, nil
}

// GetDeviceFresh retrieves a device directly from the repository,
// bypassing the cache. The command pipeline uses this inside its
// locked read-check-mutate-write sequence.
func (r *Registry) GetDeviceFresh(ctx context.Context, id string) (*Device, error) {
	return r.repo.GetByID(ctx, id)
}

// ListDevices retrieves all devices from the repository.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	return r.repo.List(ctx)
}

// ListDevicesByOwner retrieves all devices belonging to an owner account.
func (r *Registry) ListDevicesByOwner(ctx context.Context, ownerID string) ([]Device, error) {
	return r.repo.ListByOwner(ctx, ownerID)
}

// ListChildren retrieves interlock children of a device.
// Always served fresh from the repository.
func (r *Registry) ListChildren(ctx context.Context, parentID string, deviceType DeviceType) ([]Device, error) {
	return r.repo.ListChildren(ctx, parentID, deviceType)
}

// CountActiveSiblings counts Active valves sharing a parent, excluding one.
// Always served fresh from the repository.
func (r *Registry) CountActiveSiblings(ctx context.Context, parentID, excludeID string) (int, error) {
	return r.repo.CountActiveSiblings(ctx, parentID, excludeID)
}

// CreateDevice creates a new device.
// It generates an ID and offline-channel secret if absent, validates
// the device, and persists it.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID()
	}

	if device.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		device.Secret = secret
	}

	if device.Status == "" {
		device.Status = StatusIdle
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cache.SetDefault(device.ID, device.DeepCopy())

	r.logger.Info("device created", "id", device.ID, "name", device.Name, "type", device.Type)
	return nil
}

// UpdateIdentity updates a device's identity fields (owner, name,
// parent, config) and drops the cache entry. Operational state is owned
// by the command pipeline and is not writable through the registry.
func (r *Registry) UpdateIdentity(ctx context.Context, device *Device) error {
	if err := ValidateDevice(device); err != nil {
		return err
	}

	if err := r.repo.UpdateIdentity(ctx, device); err != nil {
		return err
	}

	// The caller's copy may hold stale operational fields; drop the
	// entry instead of caching it.
	r.cache.Delete(device.ID)

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// MergeTelemetry merges broker readings into a device's last telemetry
// snapshot and drops the cache entry.
func (r *Registry) MergeTelemetry(ctx context.Context, id string, readings Telemetry) error {
	if err := r.repo.MergeTelemetry(ctx, id, readings); err != nil {
		return err
	}

	r.cache.Delete(id)
	return nil
}

// DeleteDevice removes a device.
//
// ParentID references on other devices are weak and left untouched:
// deleting a pump never cascades into its valves.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cache.Delete(id)

	r.logger.Info("device deleted", "id", id)
	return nil
}

// RotateSecret replaces the offline-channel secret of a device.
// Used when a device is re-claimed by a new owner.
//
// Returns:
//   - string: The new secret, for display to the provisioning user
//   - error: ErrDeviceNotFound if the device does not exist
func (r *Registry) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}

	if err := r.repo.UpdateSecret(ctx, id, secret); err != nil {
		return "", err
	}

	r.cache.Delete(id)

	r.logger.Info("device secret rotated", "id", id)
	return secret, nil
}

// Invalidate drops the cache entry for a device.
// The command pipeline calls this after committing a transaction that
// mutated the device outside the registry.
func (r *Registry) Invalidate(id string) {
	r.cache.Delete(id)
}

// CachedCount returns the number of devices currently cached.
func (r *Registry) CachedCount() int {
	return r.cache.ItemCount()
}
