package config

import (
	"errors"
	"testing"

	"go2tv.app/castspeak/internal/domain"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry([]domain.Device{
		{ID: "living", Name: "Living Room", Host: "10.0.0.2"},
		{ID: "kitchen", Name: "Kitchen", Host: "10.0.0.1"},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestRegistryLookupByIDThenName(t *testing.T) {
	r := testRegistry(t)

	if d, ok := r.Lookup("kitchen"); !ok || d.Host != "10.0.0.1" {
		t.Fatalf("lookup by id failed: %+v %v", d, ok)
	}
	if d, ok := r.Lookup("living room"); !ok || d.ID != "living" {
		t.Fatalf("lookup by name failed: %+v %v", d, ok)
	}
	if _, ok := r.Lookup("garage"); ok {
		t.Fatal("expected unknown device lookup to fail")
	}
}

func TestRegistryResolve(t *testing.T) {
	r := testRegistry(t)

	all, err := r.Resolve(nil)
	if err != nil || len(all) != 2 || all[0].ID != "kitchen" {
		t.Fatalf("expected all devices sorted, got %+v err=%v", all, err)
	}

	picked, err := r.Resolve([]string{"Living Room", "living", "kitchen"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(picked) != 2 || picked[0].ID != "living" || picked[1].ID != "kitchen" {
		t.Fatalf("expected deduplicated devices in request order, got %+v", picked)
	}

	if _, err := r.Resolve([]string{"garage"}); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]domain.Device{{ID: "a", Host: "x"}, {ID: "a", Host: "y"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected duplicate id to fail, got %v", err)
	}
}
