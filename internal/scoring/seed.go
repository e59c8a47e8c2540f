package scoring

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// FallbackSeed is used whenever installation data cannot be gathered.
const FallbackSeed = "a1b2c3d4e5f6"

const (
	SeedFromConfig       = "config"
	SeedFromInstallation = "installation"
	SeedFromFallback     = "fallback"
)

var (
	ErrInvalidSeed = errors.New("seed must be 12 hex characters")

	seedPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)
)

// InstallationSource yields the data an installation seed is hashed from.
type InstallationSource interface {
	RemoteURL(ctx context.Context) (string, error)
	FirstCommitEpoch(ctx context.Context) (string, error)
}

// GitSource reads installation data from the git checkout in Dir.
type GitSource struct {
	Dir string
}

func (g GitSource) RemoteURL(ctx context.Context) (string, error) {
	return g.run(ctx, "config", "--get", "remote.origin.url")
}

func (g GitSource) FirstCommitEpoch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "log", "--reverse", "--format=%ct")
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(out, "\n")
	return strings.TrimSpace(first), nil
}

func (g GitSource) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	s := strings.TrimSpace(string(out))
	if s == "" {
		return "", fmt.Errorf("git %s: empty output", strings.Join(args, " "))
	}
	return s, nil
}

// DeriveSeed hashes remote|firstCommitEpoch|YYYYMMDDHHmm and keeps 12 hex chars.
// start is formatted in its own location; callers pass local time.
func DeriveSeed(remote, firstCommitEpoch string, start time.Time) string {
	combined := remote + "|" + firstCommitEpoch + "|" + start.Format("200601021504")
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])[:12]
}

// Seed is a resolved seed plus where it came from.
type Seed struct {
	Value  string
	Source string
	// Reason is set when Source is SeedFromFallback.
	Reason string
}

// ResolveSeed picks override when set, otherwise derives from src,
// otherwise falls back to FallbackSeed. Only a malformed override is an error.
func ResolveSeed(ctx context.Context, override string, src InstallationSource, start time.Time) (Seed, error) {
	if override = strings.ToLower(strings.TrimSpace(override)); override != "" {
		if !seedPattern.MatchString(override) {
			return Seed{}, fmt.Errorf("%w: %q", ErrInvalidSeed, override)
		}
		return Seed{Value: override, Source: SeedFromConfig}, nil
	}

	if src == nil {
		return Seed{Value: FallbackSeed, Source: SeedFromFallback, Reason: "no installation source"}, nil
	}

	remote, err := src.RemoteURL(ctx)
	if err != nil {
		return Seed{Value: FallbackSeed, Source: SeedFromFallback, Reason: err.Error()}, nil
	}
	first, err := src.FirstCommitEpoch(ctx)
	if err != nil {
		return Seed{Value: FallbackSeed, Source: SeedFromFallback, Reason: err.Error()}, nil
	}
	return Seed{Value: DeriveSeed(remote, first, start), Source: SeedFromInstallation}, nil
}
