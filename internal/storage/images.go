package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/distribution/reference"
	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/phooq/smolvm/internal/imagepull"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// ImageInfo is the Engine-side view of a locally resolvable image.
type ImageInfo struct {
	Reference    string
	Digest       string
	SizeBytes    int64
	Created      string
	Architecture string
	OS           string
	Layers       []string
}

// ProgressFunc is invoked at layer boundaries during Pull, one call per
// streamed Progress frame. percent is 0-100.
type ProgressFunc func(percent int, layerDigest, message string)

func manifestPath(root, image string) string {
	return filepath.Join(root, manifestsDir, imagepull.SanitizeImageRef(image)+".json")
}

func configPath(root, configDigest string) string {
	id := strings.TrimPrefix(configDigest, "sha256:")
	return filepath.Join(root, configsDir, id+".json")
}

func layerPath(root, layerDigest string) string {
	id := strings.TrimPrefix(layerDigest, "sha256:")
	return filepath.Join(root, layersDir, id)
}

// Pull resolves image to a locally cached ImageInfo, fetching whatever is
// missing; progress is reported through onProgress at layer boundaries.
func (e *Engine) Pull(ctx context.Context, image string, platformOverride string, onProgress ProgressFunc) (ImageInfo, error) {
	if err := e.requireFormatted(); err != nil {
		return ImageInfo{}, err
	}

	named, err := imagepull.ValidateReference(image)
	if err != nil {
		return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindProtocol, smolvmerr.CodeInvalidRequest, "invalid image reference", err)
	}
	canonical := named.String()

	if info, ok, err := e.Query(canonical); err != nil {
		return ImageInfo{}, err
	} else if ok {
		e.logger.Debug("image already cached, skipping pull", "image", canonical)
		return info, nil
	}

	platform := imagepull.DefaultPlatform()
	if platformOverride != "" {
		parts := strings.SplitN(platformOverride, "/", 2)
		if len(parts) == 2 {
			platform = imagepull.Platform{OS: parts[0], Architecture: parts[1]}
		}
	}

	e.logger.Info("fetching manifest", "image", canonical, "platform", platform.String())
	manifestResult, err := e.puller.FetchManifest(ctx, named, platform)
	if err != nil {
		return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodePullFailed, "fetch manifest", err)
	}

	if err := os.WriteFile(manifestPath(e.root, canonical), manifestResult.Raw, 0o644); err != nil {
		return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodePullFailed, "persist manifest", err)
	}

	rawConfig, err := e.puller.FetchConfig(ctx, named, manifestResult.Manifest.Config.Digest)
	if err != nil {
		return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodePullFailed, "fetch config", err)
	}
	if err := os.WriteFile(configPath(e.root, manifestResult.Manifest.Config.Digest.String()), rawConfig, 0o644); err != nil {
		return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodePullFailed, "persist config", err)
	}
	cfg, err := imagepull.ParseConfig(rawConfig)
	if err != nil {
		return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodePullFailed, "parse config", err)
	}

	layers := manifestResult.Manifest.Layers
	var totalSize int64
	for i, layer := range layers {
		dir := layerPath(e.root, layer.Digest.String())
		if fileExists(dir) {
			e.logger.Debug("layer already cached", "layer", layer.Digest.String())
			continue
		}

		percent := (i + 1) * 100 / max(len(layers), 1)
		if onProgress != nil {
			onProgress(percent, layer.Digest.String(), fmt.Sprintf("extracting layer %d/%d", i+1, len(layers)))
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodePullFailed, "create layer dir", err)
		}
		if err := e.extractLayer(ctx, named, layer.Digest, dir); err != nil {
			_ = os.RemoveAll(dir)
			return ImageInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodePullFailed,
				fmt.Sprintf("extract layer %s", layer.Digest), err)
		}

		size, err := dirSize(dir)
		if err == nil {
			totalSize += size
		}
	}

	digests := make([]string, len(layers))
	for i, l := range layers {
		digests[i] = l.Digest.String()
	}

	info := ImageInfo{
		Reference:    canonical,
		Digest:       manifestResult.Manifest.Config.Digest.String(),
		SizeBytes:    totalSize,
		Created:      cfg.Created,
		Architecture: cfg.Architecture,
		OS:           cfg.OS,
		Layers:       digests,
	}
	e.logger.Info("image pulled", "image", canonical, "layers", len(digests), "size_bytes", totalSize)
	return info, nil
}

// extractLayer streams a layer blob through a gzip decompressor into a tar
// extractor rooted at dest, preserving xattrs.
func (e *Engine) extractLayer(ctx context.Context, named reference.Named, layerDigest digest.Digest, dest string) error {
	rc, err := e.puller.OpenLayer(ctx, named, layerDigest)
	if err != nil {
		return err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	return extractTar(gz, dest)
}

// readManifestLayers reads a stored manifest and returns its layer
// digests without resolving the full ImageInfo (used by GarbageCollect).
func readManifestLayers(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m specs.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := make([]string, len(m.Layers))
	for i, l := range m.Layers {
		out[i] = l.Digest.String()
	}
	return out, nil
}

// Query reports whether image is locally resolvable, returning its info.
func (e *Engine) Query(image string) (ImageInfo, bool, error) {
	path := manifestPath(e.root, image)
	if !fileExists(path) {
		return ImageInfo{}, false, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return ImageInfo{}, false, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeQueryFailed, "read manifest", err)
	}
	var m specs.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ImageInfo{}, false, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeQueryFailed, "parse manifest", err)
	}

	cfgRaw, err := os.ReadFile(configPath(e.root, m.Config.Digest.String()))
	if err != nil {
		return ImageInfo{}, false, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeQueryFailed, "read config", err)
	}
	cfg, err := imagepull.ParseConfig(cfgRaw)
	if err != nil {
		return ImageInfo{}, false, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeQueryFailed, "parse config", err)
	}

	var totalSize int64
	digests := make([]string, len(m.Layers))
	for i, l := range m.Layers {
		digests[i] = l.Digest.String()
		if size, err := dirSize(layerPath(e.root, l.Digest.String())); err == nil {
			totalSize += size
		}
	}

	return ImageInfo{
		Reference:    image,
		Digest:       m.Config.Digest.String(),
		SizeBytes:    totalSize,
		Created:      cfg.Created,
		Architecture: cfg.Architecture,
		OS:           cfg.OS,
		Layers:       digests,
	}, true, nil
}

// ListImages returns every cached image's info.
func (e *Engine) ListImages() ([]ImageInfo, error) {
	if err := e.requireFormatted(); err != nil {
		return nil, err
	}

	dir := e.path(manifestsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeListFailed, "read manifests dir", err)
	}

	var images []ImageInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".json")
		displayName := imagepull.UnsanitizeImageRef(key)
		if info, ok, err := e.Query(displayName); err == nil && ok {
			images = append(images, info)
		}
	}
	return images, nil
}

// GarbageCollect removes layer directories not referenced by any stored
// manifest. In dry-run mode, nothing is removed; the return value is
// always the number of bytes that were (or would be) freed.
func (e *Engine) GarbageCollect(dryRun bool) (int64, error) {
	if err := e.requireFormatted(); err != nil {
		return 0, err
	}

	referenced := make(map[string]bool)
	manifestsPath := e.path(manifestsDir)
	entries, err := os.ReadDir(manifestsPath)
	if err != nil && !os.IsNotExist(err) {
		return 0, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeGCFailed, "read manifests dir", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		digests, err := readManifestLayers(filepath.Join(manifestsPath, entry.Name()))
		if err != nil {
			continue
		}
		for _, d := range digests {
			referenced[strings.TrimPrefix(d, "sha256:")] = true
		}
	}

	layersPath := e.path(layersDir)
	layerEntries, err := os.ReadDir(layersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeGCFailed, "read layers dir", err)
	}

	var freed int64
	for _, entry := range layerEntries {
		if referenced[entry.Name()] {
			continue
		}
		full := filepath.Join(layersPath, entry.Name())
		size, _ := dirSize(full)
		e.logger.Info("unreferenced layer", "layer", entry.Name(), "size", size, "dry_run", dryRun)
		if !dryRun {
			if err := os.RemoveAll(full); err != nil {
				return freed, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeGCFailed, "remove layer", err)
			}
		}
		freed += size
	}
	return freed, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
