// Package imagepull is the in-guest OCI registry client: reference
// validation, manifest/config/layer fetch, consumed by internal/storage's
// Pull operation.
package imagepull

import (
	"fmt"
	"strings"

	"github.com/docker/distribution/reference"
)

// ValidateReference rejects malformed image references before any network
// I/O, normalizing the way `docker pull` would (adding the implicit
// "library/" prefix and "latest" tag for bare names).
func ValidateReference(image string) (reference.Named, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return nil, fmt.Errorf("imagepull: invalid image reference %q: %w", image, err)
	}
	return reference.TagNameOnly(named), nil
}

// SanitizeImageRef implements filename-safe encoding of an
// image reference: '/', ':', '@' become '_'. The inversion used by
// ListImages to recover an indicative display name is lossy by
// construction, so it is not implemented as a true inverse —
// only as a best-effort un-delimiting for display.
func SanitizeImageRef(ref string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return replacer.Replace(ref)
}

// UnsanitizeImageRef recovers an indicative (not necessarily exact)
// display name from a sanitized filename key. Every underscore is
// rendered back as '/' since that is the most common separator in a
// reference. The original reference string is not stored anywhere, so
// ListImages reports this indicative name as each image's Reference.
func UnsanitizeImageRef(key string) string {
	return strings.ReplaceAll(key, "_", "/")
}
