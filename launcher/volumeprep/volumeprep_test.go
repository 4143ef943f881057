package volumeprep

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/infrasim/vmctld/cas"
	"github.com/infrasim/vmctld/types"
)

func TestPrepareLocalSource(t *testing.T) {
	dir := t.TempDir()
	store, err := cas.New(filepath.Join(dir, "cas"))
	if err != nil {
		t.Fatalf("cas.New: %v", err)
	}

	imgPath := filepath.Join(dir, "base.qcow2")
	if err := os.WriteFile(imgPath, []byte("fake qcow2 contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	digest, err := cas.HashFile(imgPath)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	p := New(store, filepath.Join(dir, "work"))
	spec := types.VolumeSpec{
		Source: imgPath,
		Format: "qcow2",
		Integrity: types.IntegrityConfig{
			Scheme:         "sha256",
			ExpectedDigest: &digest,
		},
	}

	status, err := p.Prepare(context.Background(), "vol-1", spec)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !status.Ready || !status.Verified {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.LocalPath == nil || *status.LocalPath != imgPath {
		t.Errorf("LocalPath = %v, want %s", status.LocalPath, imgPath)
	}
}

func TestPrepareRejectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := cas.New(filepath.Join(dir, "cas"))
	if err != nil {
		t.Fatalf("cas.New: %v", err)
	}
	imgPath := filepath.Join(dir, "base.qcow2")
	os.WriteFile(imgPath, []byte("contents"), 0o644)

	p := New(store, filepath.Join(dir, "work"))
	bogus := "0000000000000000000000000000000000000000000000000000000000000000"
	spec := types.VolumeSpec{
		Source:    imgPath,
		Format:    "qcow2",
		Integrity: types.IntegrityConfig{Scheme: "sha256", ExpectedDigest: &bogus},
	}

	if _, err := p.Prepare(context.Background(), "vol-1", spec); err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func TestResolveHTTPIsStub(t *testing.T) {
	p := New(nil, t.TempDir())
	_, _, err := p.resolveHTTP(context.Background(), "vol-1", "http://127.0.0.1:1/nonexistent")
	if err == nil {
		t.Fatal("expected error for unimplemented http source")
	}
}
