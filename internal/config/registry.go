package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go2tv.app/castspeak/internal/domain"
)

var ErrDeviceNotFound = errors.New("device not found")

// Registry is the immutable set of configured devices.
type Registry struct {
	devices []domain.Device
	byID    map[string]int
}

func NewRegistry(devices []domain.Device) (*Registry, error) {
	sorted := append([]domain.Device(nil), devices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	byID := make(map[string]int, len(sorted))
	for i, d := range sorted {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: device without id", ErrInvalidConfig)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate device id %q", ErrInvalidConfig, d.ID)
		}
		byID[d.ID] = i
	}
	return &Registry{devices: sorted, byID: byID}, nil
}

// Devices returns all devices ordered by id.
func (r *Registry) Devices() []domain.Device {
	if r == nil {
		return nil
	}
	return append([]domain.Device(nil), r.devices...)
}

// Lookup matches target against ids first and then, ignoring case, names.
func (r *Registry) Lookup(target string) (domain.Device, bool) {
	if r == nil {
		return domain.Device{}, false
	}
	target = strings.TrimSpace(target)
	if i, ok := r.byID[target]; ok {
		return r.devices[i], true
	}
	for _, d := range r.devices {
		if strings.EqualFold(d.Name, target) {
			return d, true
		}
	}
	return domain.Device{}, false
}

// Resolve maps targets to devices, keeping their order and dropping
// duplicates. No targets means every device.
func (r *Registry) Resolve(targets []string) ([]domain.Device, error) {
	if len(targets) == 0 {
		return r.Devices(), nil
	}
	seen := map[string]bool{}
	out := make([]domain.Device, 0, len(targets))
	for _, target := range targets {
		d, ok := r.Lookup(target)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, target)
		}
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out, nil
}
