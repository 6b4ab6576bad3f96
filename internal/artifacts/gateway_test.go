package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"taskforge/internal/domain"
)

type memStore struct {
	artifacts map[string]domain.Artifact
}

func newMemStore() *memStore {
	return &memStore{artifacts: make(map[string]domain.Artifact)}
}

func (s *memStore) CreateArtifact(_ context.Context, artifact domain.Artifact) error {
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *memStore) GetArtifact(_ context.Context, artifactID string) (domain.Artifact, error) {
	artifact, ok := s.artifacts[artifactID]
	if !ok {
		return domain.Artifact{}, domain.ErrArtifactNotFound
	}
	return artifact, nil
}

func TestPublishAndLoad(t *testing.T) {
	store := newMemStore()
	root := t.TempDir()
	gw, err := NewGateway(root, store)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	content := []byte("package main\n")
	artifact, err := gw.Publish(context.Background(), domain.Artifact{
		TaskID: "task-1",
		Kind:   domain.ArtifactKindCode,
	}, "src/main.go", content)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if artifact.ID == "" {
		t.Fatalf("artifact id not assigned")
	}
	if artifact.Path != "src/main.go" {
		t.Fatalf("path = %s", artifact.Path)
	}
	if artifact.Name != "main.go" {
		t.Fatalf("name = %s", artifact.Name)
	}
	if artifact.Checksum != Checksum(content) {
		t.Fatalf("checksum mismatch")
	}
	if _, err := os.Stat(filepath.Join(root, "src", "main.go")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	loaded, body, err := gw.Load(context.Background(), artifact.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(body) != string(content) {
		t.Fatalf("loaded content = %q", body)
	}
	if loaded.ID != artifact.ID {
		t.Fatalf("loaded wrong artifact")
	}
}

func TestPublishRejectsEscapingPath(t *testing.T) {
	gw, err := NewGateway(t.TempDir(), newMemStore())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	for _, path := range []string{"../outside.txt", "a/../../outside.txt", "", "."} {
		if _, err := gw.Publish(context.Background(), domain.Artifact{}, path, []byte("x")); err == nil {
			t.Errorf("path %q should be rejected", path)
		}
	}
}

func TestLoadDetectsTamperedFile(t *testing.T) {
	store := newMemStore()
	root := t.TempDir()
	gw, err := NewGateway(root, store)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	artifact, err := gw.Publish(context.Background(), domain.Artifact{}, "doc.md", []byte("original"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "doc.md"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, _, err := gw.Load(context.Background(), artifact.ID); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}
