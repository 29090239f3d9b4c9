package scenarios

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob("*.yaml")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no scenario files found")
	}
	for _, f := range files {
		sc, err := Load(f)
		if err != nil {
			t.Fatalf("load %s: %v", f, err)
		}
		t.Run(sc.Name, func(t *testing.T) {
			RunScenario(t, sc)
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	if _, err := Load("no-file.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte(":"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatal("expected unmarshal error")
	}
	incomplete := filepath.Join(t.TempDir(), "incomplete.yaml")
	if err := os.WriteFile(incomplete, []byte("name: x\nbooking:\n  id: b1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(incomplete); err == nil {
		t.Fatal("expected validation error for missing service")
	}
}

func TestBookingDefScheduled(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	def := BookingDef{ID: "b1", Service: "cleaning", ScheduledInHours: 2.5}
	b := def.ToModel(start)
	if b.ScheduledAt == nil {
		t.Fatal("expected scheduled time")
	}
	want := start.Add(2*time.Hour + 30*time.Minute)
	if !b.ScheduledAt.Equal(want) {
		t.Fatalf("expected %s, got %s", want, b.ScheduledAt)
	}
}

func TestProviderDefOnlineByDefault(t *testing.T) {
	p := ProviderDef{ID: "p1"}.ToProvider()
	if !p.Online {
		t.Fatal("providers default to online")
	}
}
