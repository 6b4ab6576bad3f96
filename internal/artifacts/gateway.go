package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskforge/internal/domain"
)

type Store interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	GetArtifact(ctx context.Context, artifactID string) (domain.Artifact, error)
}

// Gateway materializes artifacts as files under a jailed workspace root and
// records them in the store. Paths are validated so no artifact can escape
// the root.
type Gateway struct {
	root  string
	store Store
}

func NewGateway(root string, store Store) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{root: absRoot, store: store}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// Publish writes the content to relPath under the workspace root and
// persists the artifact record with its checksum. The stored Path is the
// normalized relative path, never the absolute one.
func (g *Gateway) Publish(ctx context.Context, artifact domain.Artifact, relPath string, content []byte) (domain.Artifact, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		return domain.Artifact{}, err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return domain.Artifact{}, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return domain.Artifact{}, fmt.Errorf("write artifact file: %w", err)
	}

	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.Name == "" {
		artifact.Name = filepath.Base(normalized)
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	artifact.Path = normalized
	artifact.Content = content
	artifact.Checksum = Checksum(content)

	if err := g.store.CreateArtifact(ctx, artifact); err != nil {
		return domain.Artifact{}, fmt.Errorf("persist artifact: %w", err)
	}
	return artifact, nil
}

// Load fetches an artifact record and re-reads its file, verifying the
// checksum against what was recorded at publish time.
func (g *Gateway) Load(ctx context.Context, artifactID string) (domain.Artifact, []byte, error) {
	artifact, err := g.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	absPath, _, err := g.resolve(artifact.Path)
	if err != nil {
		return domain.Artifact{}, nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return domain.Artifact{}, nil, fmt.Errorf("read artifact file: %w", err)
	}
	if sum := Checksum(content); sum != artifact.Checksum {
		return domain.Artifact{}, nil, fmt.Errorf("artifact %s checksum mismatch: stored %s got %s", artifactID, artifact.Checksum, sum)
	}
	return artifact, content, nil
}

// Checksum is the hex-encoded sha256 of the artifact content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("path escapes workspace root: %q", relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
