package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// GoBuilder builds go: sources with the Go toolchain and passes bin: sources
// through. Results are memoized per (source, target): building the same pair
// twice returns the cached artifact.
type GoBuilder struct {
	// OutputDir receives built binaries. Defaults to a temp directory.
	OutputDir string

	mu    sync.Mutex
	cache map[cacheKey]*entry
}

type cacheKey struct {
	src    SourceRef
	target TargetKind
}

// entry carries a once-guarded build result so concurrent callers share one
// build instead of racing the toolchain.
type entry struct {
	once sync.Once
	art  *Artifact
	err  error
}

// NewGoBuilder creates a memoizing builder writing binaries under dir.
func NewGoBuilder(dir string) *GoBuilder {
	return &GoBuilder{
		OutputDir: dir,
		cache:     make(map[cacheKey]*entry),
	}
}

// Build implements Builder.
func (b *GoBuilder) Build(ctx context.Context, src SourceRef, target TargetKind) (*Artifact, error) {
	b.mu.Lock()
	if b.cache == nil {
		b.cache = make(map[cacheKey]*entry)
	}
	e, ok := b.cache[cacheKey{src, target}]
	if !ok {
		e = &entry{}
		b.cache[cacheKey{src, target}] = e
	}
	b.mu.Unlock()

	e.once.Do(func() {
		e.art, e.err = b.build(ctx, src, target)
	})
	return e.art, e.err
}

func (b *GoBuilder) build(ctx context.Context, src SourceRef, target TargetKind) (*Artifact, error) {
	switch src.Scheme() {
	case "bin":
		return b.prebuilt(src, target)
	case "go":
		return b.goBuild(ctx, src, target)
	default:
		return nil, &Error{Source: src, Target: target, Err: fmt.Errorf("unknown source scheme %q", src.Scheme())}
	}
}

func (b *GoBuilder) prebuilt(src SourceRef, target TargetKind) (*Artifact, error) {
	path := src.Path()
	sum, err := checksumFile(path)
	if err != nil {
		return nil, &Error{Source: src, Target: target, Err: err}
	}
	return &Artifact{
		ID:        artifactID(src, target, sum),
		LocalPath: path,
		Checksum:  sum,
		Target:    target,
	}, nil
}

func (b *GoBuilder) goBuild(ctx context.Context, src SourceRef, target TargetKind) (*Artifact, error) {
	outDir := b.OutputDir
	if outDir == "" {
		dir, err := os.MkdirTemp("", "skein-build-")
		if err != nil {
			return nil, &Error{Source: src, Target: target, Err: err}
		}
		outDir = dir
	}

	out := filepath.Join(outDir, fmt.Sprintf("%s-%s", filepath.Base(src.Path()), target))

	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, ".")
	cmd.Dir = src.Path()
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if target == TargetLinuxAMD64 {
		cmd.Env = append(cmd.Env, "GOOS=linux", "GOARCH=amd64")
	}

	log.Debug().Str("source", string(src)).Str("target", string(target)).Msg("building artifact")

	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, &Error{Source: src, Target: target, Err: fmt.Errorf("%w: %s", err, output)}
	}

	sum, err := checksumFile(out)
	if err != nil {
		return nil, &Error{Source: src, Target: target, Err: err}
	}
	return &Artifact{
		ID:        artifactID(src, target, sum),
		LocalPath: out,
		Checksum:  sum,
		Target:    target,
	}, nil
}

func artifactID(src SourceRef, target TargetKind, sum string) string {
	h := sha256.Sum256([]byte(string(src) + "|" + string(target) + "|" + sum))
	return hex.EncodeToString(h[:8])
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
