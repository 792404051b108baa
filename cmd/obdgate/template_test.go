package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConfigTemplateLoadsAsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obdgate.toml")
	if err := writeConfigTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	got, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	want := defaultAppConfig()
	if diff := cmp.Diff(want.Gateway, got.Gateway); diff != "" {
		t.Fatalf("gateway config drift (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Store, got.Store); diff != "" {
		t.Fatalf("store config drift (-want +got):\n%s", diff)
	}
	if got.HTTP.Addr != want.HTTP.Addr || got.HTTP.Token != "" || len(got.Devices) != 0 {
		t.Fatalf("unexpected http/devices: %+v %+v", got.HTTP, got.Devices)
	}
}

func TestWriteConfigTemplateRefusesOverwrite(t *testing.T) {
	path := writeConfig(t, "addr = \":1\"\n")
	if err := writeConfigTemplate(path, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}
	if err := writeConfigTemplate(path, true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
}
