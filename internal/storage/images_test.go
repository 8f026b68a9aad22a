package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/phooq/smolvm/internal/imagepull"
)

// seedImage writes a manifest + config + empty layer dirs directly to the
// engine's storage root, bypassing network pull, so Query/ListImages/GC
// can be tested without an imagepull.Client round trip.
func seedImage(t *testing.T, e *Engine, ref string, layerDigests []string) {
	t.Helper()

	layerJSON := ""
	for i, d := range layerDigests {
		if i > 0 {
			layerJSON += ","
		}
		layerJSON += `{"mediaType":"application/vnd.oci.image.layer.v1.tar+gzip","digest":"` + d + `","size":1}`
	}
	manifest := `{"schemaVersion":2,"config":{"mediaType":"application/vnd.oci.image.config.v1+json","digest":"sha256:cfg_` + imagepull.SanitizeImageRef(ref) + `","size":2},"layers":[` + layerJSON + `]}`

	if err := os.MkdirAll(e.path(manifestsDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manifestPath(e.root, ref), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(e.path(configsDir), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := `{"architecture":"amd64","os":"linux","created":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(configPath(e.root, "sha256:cfg_"+imagepull.SanitizeImageRef(ref)), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, d := range layerDigests {
		dir := layerPath(e.root, d)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "data"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestQueryFindsSeededImage(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedImage(t, e, "example.com/img-a:latest", []string{"sha256:layer1", "sha256:layer2"})

	info, ok, err := e.Query("example.com/img-a:latest")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !ok {
		t.Fatal("expected image to be found")
	}
	if info.Architecture != "amd64" || info.OS != "linux" {
		t.Errorf("unexpected config fields: %+v", info)
	}
	if len(info.Layers) != 2 {
		t.Errorf("expected 2 layers, got %d", len(info.Layers))
	}
}

func TestQueryMissingImage(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	_, ok, err := e.Query("nope.example.com/missing:latest")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ok {
		t.Fatal("expected image not found")
	}
}

func TestListImagesReturnsAllSeeded(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedImage(t, e, "example.com/img-a:latest", []string{"sha256:layer1"})
	seedImage(t, e, "example.com/img-b:latest", []string{"sha256:layer2"})

	images, err := e.ListImages()
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
}

func TestGarbageCollectDedupsSharedLayer(t *testing.T) {
	e := newTestEngine(t)
	if err := e.FormatStorage(); err != nil {
		t.Fatal(err)
	}
	seedImage(t, e, "example.com/img-a:latest", []string{"sha256:shared", "sha256:only-a"})
	seedImage(t, e, "example.com/img-b:latest", []string{"sha256:shared", "sha256:only-b"})

	freed, err := e.GarbageCollect(true)
	if err != nil {
		t.Fatalf("GarbageCollect dry-run: %v", err)
	}
	if freed != 0 {
		t.Errorf("expected 0 bytes freed while both images are referenced, got %d", freed)
	}

	if err := os.Remove(manifestPath(e.root, "example.com/img-a:latest")); err != nil {
		t.Fatal(err)
	}

	freed, err = e.GarbageCollect(false)
	if err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if freed == 0 {
		t.Error("expected some bytes freed after removing img-a's manifest")
	}

	if !fileExists(layerPath(e.root, "sha256:shared")) {
		t.Error("shared layer should survive GC while img-b still references it")
	}
	if fileExists(layerPath(e.root, "sha256:only-a")) {
		t.Error("only-a's unreferenced layer should be removed by GC")
	}
}
