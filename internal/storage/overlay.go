package storage

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/phooq/smolvm/internal/smolvmerr"
)

// OverlayInfo describes a prepared overlay workspace.
type OverlayInfo struct {
	WorkloadID string
	Merged     string
	Upper      string
	Work       string
	Bundle     string
}

func (e *Engine) overlayRoot(workloadID string) string {
	return e.path(overlaysDir, workloadID)
}

// PrepareOverlay assembles an overlayfs workspace for workloadID atop
// image's layers. Calling it twice for the same workloadID while the
// mount is still live is a no-op that returns the existing OverlayInfo.
func (e *Engine) PrepareOverlay(image, workloadID string) (OverlayInfo, error) {
	if err := e.requireFormatted(); err != nil {
		return OverlayInfo{}, err
	}

	if info, ok := e.existingOverlay(workloadID); ok {
		e.logger.Debug("reusing existing overlay", "workload_id", workloadID)
		return info, nil
	}

	info, ok, err := e.Query(image)
	if err != nil {
		return OverlayInfo{}, err
	}
	if !ok {
		return OverlayInfo{}, smolvmerr.New(smolvmerr.KindNotFound, smolvmerr.CodeNotFound, fmt.Sprintf("image not found: %s", image))
	}
	return e.buildOverlay(info, workloadID)
}

func (e *Engine) existingOverlay(workloadID string) (OverlayInfo, bool) {
	root := e.overlayRoot(workloadID)
	merged := filepath.Join(root, "merged")
	if fileExists(merged) && isMountPoint(merged) {
		return OverlayInfo{
			WorkloadID: workloadID,
			Merged:     merged,
			Upper:      filepath.Join(root, "upper"),
			Work:       filepath.Join(root, "work"),
			Bundle:     filepath.Join(root, "bundle"),
		}, true
	}
	return OverlayInfo{}, false
}

func (e *Engine) buildOverlay(info ImageInfo, workloadID string) (OverlayInfo, error) {
	root := e.overlayRoot(workloadID)
	upper := filepath.Join(root, "upper")
	work := filepath.Join(root, "work")
	merged := filepath.Join(root, "merged")
	bundle := filepath.Join(root, "bundle")

	for _, d := range []string{upper, work, merged} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return OverlayInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "create overlay dir", err)
		}
	}

	// Seed resolv.conf and dev/ in the upper layer before mounting: writes
	// through a live overlay mount in this guest may be intercepted, so
	// these must land in upper directly.
	upperEtc := filepath.Join(upper, "etc")
	if err := os.MkdirAll(upperEtc, 0o755); err != nil {
		return OverlayInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "create upper/etc", err)
	}
	if err := os.WriteFile(filepath.Join(upperEtc, "resolv.conf"), []byte("nameserver 8.8.8.8\nnameserver 1.1.1.1\n"), 0o644); err != nil {
		e.logger.Warn("failed to seed resolv.conf", "error", err)
	}
	if err := os.MkdirAll(filepath.Join(upper, "dev"), 0o755); err != nil {
		e.logger.Warn("failed to create upper/dev", "error", err)
	}

	// lowerdir is top-first: reverse of manifest (oldest-first) order.
	lowerdirs := make([]string, len(info.Layers))
	for i, digest := range info.Layers {
		lowerdirs[len(info.Layers)-1-i] = layerPath(e.root, digest)
	}
	for _, lp := range lowerdirs {
		if !fileExists(lp) {
			return OverlayInfo{}, smolvmerr.New(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, fmt.Sprintf("layer path does not exist: %s", lp))
		}
	}
	lowerdir := strings.Join(lowerdirs, ":")

	mountOpts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, upper, work)
	e.logger.Debug("mounting overlay", "mount_opts", mountOpts, "merged", merged)

	cmd := exec.Command("mount", "-t", "overlay", "overlay", "-o", mountOpts, merged)
	if out, err := cmd.CombinedOutput(); err != nil {
		return OverlayInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, fmt.Sprintf("mount overlay: %s", out), err)
	}

	if entries, err := os.ReadDir(merged); err == nil && len(entries) == 0 {
		e.logger.Warn("overlay mount returned success but merged directory is empty",
			"workload_id", workloadID, "merged", merged, "proc_mounts_has_entry", procMountsContains(merged))
	}

	if err := os.MkdirAll(bundle, 0o755); err != nil {
		return OverlayInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "create bundle dir", err)
	}
	rootfsLink := filepath.Join(bundle, "rootfs")
	if !fileExists(rootfsLink) {
		if err := os.Symlink("../merged", rootfsLink); err != nil {
			return OverlayInfo{}, smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeOverlayFailed, "create rootfs symlink", err)
		}
	}

	e.logger.Info("overlay mounted", "workload_id", workloadID)
	return OverlayInfo{WorkloadID: workloadID, Merged: merged, Upper: upper, Work: work, Bundle: bundle}, nil
}

// GetOrCreateOverlay returns the overlay for workloadID, building it if it
// isn't already mounted. Used by Run's sticky-overlay reuse path.
func (e *Engine) GetOrCreateOverlay(image, workloadID string) (OverlayInfo, error) {
	if info, ok := e.existingOverlay(workloadID); ok {
		return info, nil
	}
	return e.PrepareOverlay(image, workloadID)
}

// CleanupOverlay unmounts and removes workloadID's overlay workspace.
// Idempotent: succeeds even if PrepareOverlay was never called for it.
func (e *Engine) CleanupOverlay(workloadID string) error {
	root := e.overlayRoot(workloadID)
	merged := filepath.Join(root, "merged")

	if fileExists(merged) {
		_ = exec.Command("umount", merged).Run()
	}
	if fileExists(root) {
		if err := os.RemoveAll(root); err != nil {
			return smolvmerr.Wrap(smolvmerr.KindRuntime, smolvmerr.CodeCleanupFailed, "remove overlay workspace", err)
		}
	}
	e.logger.Info("overlay cleaned up", "workload_id", workloadID)
	return nil
}

// isMountPoint reports whether path appears as a mount point in
// /proc/mounts. Parsing /proc/mounts directly (rather than stat-comparing
// device ids) works without CAP_SYS_ADMIN.
func isMountPoint(path string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	clean := filepath.Clean(path)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == clean {
			return true
		}
	}
	return false
}

func procMountsContains(path string) bool {
	return isMountPoint(path)
}
