package download

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDestination_StripsRootMarker(t *testing.T) {
	got := Destination("/downloads", "alice", `@@music\A\B\01.mp3`)
	want := filepath.Join("/downloads", "alice", "A", "B", "01.mp3")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDestination_SanitizesTraversalAttempt(t *testing.T) {
	got := Destination("/downloads", "alice", `..\..\etc\passwd`)
	if !strings.HasPrefix(got, filepath.Join("/downloads", "alice")+string(filepath.Separator)) {
		t.Fatalf("destination escaped root: %q", got)
	}
	if strings.Contains(got, "..") {
		t.Fatalf("destination retained a '..' component: %q", got)
	}
}

func TestDestination_StripsColonsAndNUL(t *testing.T) {
	got := Destination("/downloads", "alice", `@@root\C:\weird\file.mp3`)
	if strings.Contains(got, ":") {
		t.Fatalf("destination retained a colon: %q", got)
	}
}

func TestDestination_EmptyComponentFallsBackToUnnamed(t *testing.T) {
	got := Destination("/downloads", "alice", `@@root\   \file.mp3`)
	want := filepath.Join("/downloads", "alice", "unnamed", "file.mp3")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDestination_EveryComponentIsNonEmpty(t *testing.T) {
	paths := []string{
		`@@root\A\B\file.mp3`,
		`no_marker\file.mp3`,
		`..\..\file.mp3`,
		`@@root\...\file.mp3`,
	}
	for _, p := range paths {
		got := Destination("/downloads", "bob", p)
		rel, err := filepath.Rel(filepath.Join("/downloads", "bob"), got)
		if err != nil {
			t.Fatalf("Rel failed: %v", err)
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if part == "" {
				t.Fatalf("empty path component for input %q: %q", p, got)
			}
		}
	}
}
