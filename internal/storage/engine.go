// Package storage implements the in-guest storage engine: a
// content-addressed OCI layer store, overlayfs workspace assembly, and the
// container registry/lifecycle built on top of it. It is a Go Engine type
// that internal/agent's dispatcher drives directly instead of calling free
// functions against a single global `/storage` root.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/phooq/smolvm/internal/imagepull"
	"github.com/phooq/smolvm/internal/ociruntime"
	"github.com/phooq/smolvm/internal/smolvmerr"
)

// Directory names under Root.
const (
	layersDir      = "layers"
	configsDir     = "configs"
	manifestsDir   = "manifests"
	overlaysDir    = "overlays"
	containersDir  = "containers"
	containersRun  = "containers/run"
	containersLogs = "containers/logs"
	containersExit = "containers/exit"
	formattedMark  = ".formatted"
	registryFile   = "containers/registry.json"

	// virtiofsMountRoot is where a workload's virtiofs mounts are staged
	// in the guest before being bind-mounted into a rootfs.
	virtiofsMountRoot = "/mnt/virtiofs"
)

// Engine is the in-guest storage engine. One Engine owns one storage root
// (normally the dedicated ext4 disk mounted at /storage).
type Engine struct {
	root    string
	runtime *ociruntime.Runtime
	puller  *imagepull.Client
	logger  *slog.Logger

	lockTimeout time.Duration
}

// New returns an Engine rooted at root. It does not require root to be
// formatted yet — startup succeeds unconditionally. Pull, ListImages,
// GarbageCollect, PrepareOverlay, CreateContainer, Run and
// StartInteractiveRun check the marker via requireFormatted; the other
// operations do not check it.
func New(root string, runtime *ociruntime.Runtime, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		root:        root,
		runtime:     runtime,
		puller:      imagepull.NewClient(),
		logger:      logger.With("component", "storage"),
		lockTimeout: 5 * time.Second,
	}
}

func (e *Engine) path(parts ...string) string {
	return filepath.Join(append([]string{e.root}, parts...)...)
}

func (e *Engine) markerPath() string {
	return e.path(formattedMark)
}

// Formatted reports whether FormatStorage has been run against this root.
func (e *Engine) Formatted() bool {
	_, err := os.Stat(e.markerPath())
	return err == nil
}

// requireFormatted returns a NOT_FORMATTED error until FormatStorage has
// run; New lists the operations that call it.
func (e *Engine) requireFormatted() error {
	if !e.Formatted() {
		return smolvmerr.New(smolvmerr.KindRuntime, smolvmerr.CodeNotFormatted, "storage not formatted")
	}
	return nil
}

// FormatStorage creates the full directory tree and writes the format
// marker. Idempotent: existing directories are left as-is.
func (e *Engine) FormatStorage() error {
	dirs := []string{
		e.path(layersDir),
		e.path(configsDir),
		e.path(manifestsDir),
		e.path(overlaysDir),
		e.path(containersRun),
		e.path(containersLogs),
		e.path(containersExit),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return smolvmerr.Wrap(smolvmerr.KindFatal, smolvmerr.CodeFormatFailed, fmt.Sprintf("create %s", d), err)
		}
	}
	if err := os.WriteFile(e.markerPath(), []byte("1"), 0o644); err != nil {
		return smolvmerr.Wrap(smolvmerr.KindFatal, smolvmerr.CodeFormatFailed, "write format marker", err)
	}
	e.logger.Info("storage formatted", "root", e.root)
	return nil
}

// StatusReport mirrors protocol.StorageStatus but lives in this package so
// callers that don't want the protocol dependency can still use Engine.
type StatusReport struct {
	Ready      bool
	TotalBytes int64
	UsedBytes  int64
	LayerCount int
	ImageCount int
}

// Status reports whether storage is formatted and rough usage figures.
// Never fails on an unformatted root; all counts come back zero.
func (e *Engine) Status() (StatusReport, error) {
	report := StatusReport{Ready: e.Formatted()}

	layerCount, err := countEntries(e.path(layersDir))
	if err != nil {
		return StatusReport{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeStatusFailed, "count layers", err)
	}
	imageCount, err := countEntries(e.path(manifestsDir))
	if err != nil {
		return StatusReport{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeStatusFailed, "count manifests", err)
	}
	report.LayerCount = layerCount
	report.ImageCount = imageCount

	total, used, err := diskUsage(e.root)
	if err != nil {
		e.logger.Warn("disk usage probe failed", "error", err)
	} else {
		report.TotalBytes = total
		report.UsedBytes = used
	}

	return report, nil
}

func countEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(entries), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
