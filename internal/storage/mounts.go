package storage

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/phooq/smolvm/internal/protocol"
)

// SetupVolumeMounts surfaces each declared mount into rootfs: stage the
// virtiofs device at /mnt/virtiofs/{tag}, then bind-mount it into
// {rootfs}{container_path},
// remounting read-only if requested. Both steps are idempotent on
// /proc/mounts evidence, so repeated calls across container restarts are
// safe, and mounts are deliberately left in place on return — callers
// never tear them down except via a full overlay cleanup.
func (e *Engine) SetupVolumeMounts(rootfs string, mounts []protocol.Mount) error {
	for i, m := range mounts {
		tag := virtiofsTag(i)
		stagingPath := filepath.Join(virtiofsMountRoot, tag)
		if err := os.MkdirAll(stagingPath, 0o755); err != nil {
			return smolvmerrMount(tag, err)
		}

		if !isMountPoint(stagingPath) {
			e.logger.Info("mounting virtiofs", "tag", tag, "mount_point", stagingPath)
			cmd := exec.Command("mount", "-t", "virtiofs", tag, stagingPath)
			if out, err := cmd.CombinedOutput(); err != nil {
				e.logger.Warn("failed to mount virtiofs device", "tag", tag, "output", string(out))
				continue
			}
		}

		targetPath := rootfs + m.GuestPath
		if err := os.MkdirAll(targetPath, 0o755); err != nil {
			return smolvmerrMount(tag, err)
		}

		if !isMountPoint(targetPath) {
			e.logger.Info("bind-mounting into container", "source", stagingPath, "target", targetPath, "read_only", m.ReadOnly)
			cmd := exec.Command("mount", "--bind", stagingPath, targetPath)
			if out, err := cmd.CombinedOutput(); err != nil {
				e.logger.Warn("failed to bind-mount", "target", targetPath, "output", string(out))
				continue
			}
			if m.ReadOnly {
				_ = exec.Command("mount", "-o", "remount,ro,bind", targetPath).Run()
			}
		}
	}
	return nil
}

// virtiofsTag reproduces the host's per-sandbox mount tag scheme
// ("smolvm{i}" by position in the sandbox record's Mounts slice, per
// internal/registry.Record's Mounts field doc) so the guest can find the
// device the host shared at the same index.
func virtiofsTag(index int) string {
	return fmt.Sprintf("smolvm%d", index)
}

func smolvmerrMount(tag string, err error) error {
	return fmt.Errorf("storage: volume mount %s: %w", tag, err)
}
