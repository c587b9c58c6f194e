// Package build turns a service's source reference into a runnable artifact.
// The engine depends only on the Builder interface; the default implementation
// shells out to the Go toolchain and memoizes results per source/target pair.
package build

import (
	"context"
	"fmt"
	"strings"
)

// TargetKind is the platform an artifact must run on.
type TargetKind string

const (
	// TargetLocal builds for the machine the engine runs on.
	TargetLocal TargetKind = "local"

	// TargetLinuxAMD64 cross-builds for linux/amd64 hosts.
	TargetLinuxAMD64 TargetKind = "linux-amd64"
)

// SourceRef is an opaque reference to a service's source. Two schemes are
// understood by the default builder:
//
//	bin:<path>  use a prebuilt binary as-is
//	go:<dir>    run `go build` on the package in <dir>
type SourceRef string

// Scheme returns the part of the reference before the first colon.
func (s SourceRef) Scheme() string {
	if i := strings.IndexByte(string(s), ':'); i >= 0 {
		return string(s)[:i]
	}
	return ""
}

// Path returns the part of the reference after the first colon.
func (s SourceRef) Path() string {
	if i := strings.IndexByte(string(s), ':'); i >= 0 {
		return string(s)[i+1:]
	}
	return string(s)
}

// Artifact is a built, placeable unit.
type Artifact struct {
	// ID identifies the artifact; stable for identical source/target pairs
	// built by a memoizing builder.
	ID string

	// LocalPath is where the artifact lives on the engine machine.
	LocalPath string

	// Checksum is the hex SHA-256 of the artifact contents, verified after
	// placement on the target host.
	Checksum string

	// Target is the platform the artifact was built for.
	Target TargetKind
}

// Builder is the external build capability.
type Builder interface {
	// Build produces an artifact for the source on the given target.
	Build(ctx context.Context, src SourceRef, target TargetKind) (*Artifact, error)
}

// Error is a fatal build failure; builds are never retried.
type Error struct {
	Source SourceRef
	Target TargetKind
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("build %s for %s: %v", e.Source, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }
