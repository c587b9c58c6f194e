package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestSourceRefParsing(t *testing.T) {
	tests := []struct {
		ref    SourceRef
		scheme string
		path   string
	}{
		{"bin:/usr/local/bin/worker", "bin", "/usr/local/bin/worker"},
		{"go:./cmd/worker", "go", "./cmd/worker"},
		{"noscheme", "", "noscheme"},
	}
	for _, tt := range tests {
		if got := tt.ref.Scheme(); got != tt.scheme {
			t.Errorf("%q scheme = %q, want %q", tt.ref, got, tt.scheme)
		}
		if got := tt.ref.Path(); got != tt.path {
			t.Errorf("%q path = %q, want %q", tt.ref, got, tt.path)
		}
	}
}

func TestPrebuiltArtifact(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "worker")
	content := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(bin, content, 0o755); err != nil {
		t.Fatal(err)
	}

	b := NewGoBuilder(dir)
	art, err := b.Build(context.Background(), SourceRef("bin:"+bin), TargetLocal)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if art.LocalPath != bin {
		t.Errorf("local path = %s, want %s", art.LocalPath, bin)
	}
	sum := sha256.Sum256(content)
	if art.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum = %s, want content sha256", art.Checksum)
	}
	if art.Target != TargetLocal {
		t.Errorf("target = %s", art.Target)
	}
}

func TestBuildMemoizesPerSourceAndTarget(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "worker")
	if err := os.WriteFile(bin, []byte("payload"), 0o755); err != nil {
		t.Fatal(err)
	}

	b := NewGoBuilder(dir)
	src := SourceRef("bin:" + bin)

	// Concurrent builds of the same pair share one result.
	var wg sync.WaitGroup
	arts := make([]*Artifact, 8)
	for i := range arts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := b.Build(context.Background(), src, TargetLocal)
			if err != nil {
				t.Errorf("build %d: %v", i, err)
				return
			}
			arts[i] = art
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(arts); i++ {
		if arts[i] != arts[0] {
			t.Fatal("memoized builds returned different artifacts")
		}
	}

	// A different target is a distinct cache entry.
	other, err := b.Build(context.Background(), src, TargetLinuxAMD64)
	if err != nil {
		t.Fatalf("cross build: %v", err)
	}
	if other.ID == arts[0].ID {
		t.Error("different targets share an artifact ID")
	}
}

func TestBuildUnknownScheme(t *testing.T) {
	b := NewGoBuilder(t.TempDir())
	_, err := b.Build(context.Background(), SourceRef("docker:image"), TargetLocal)
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("build: %v, want *build.Error", err)
	}
}

func TestBuildMissingPrebuilt(t *testing.T) {
	b := NewGoBuilder(t.TempDir())
	_, err := b.Build(context.Background(), SourceRef("bin:/does/not/exist"), TargetLocal)
	if err == nil {
		t.Fatal("build of missing binary succeeded")
	}
}
