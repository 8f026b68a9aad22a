package imagepull

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/docker/distribution/reference"
	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform selects one entry from a multi-arch manifest list.
type Platform struct {
	OS           string
	Architecture string
}

// DefaultPlatform derives a compile-time default from the Go build's own
// GOOS/GOARCH — the guest binary's architecture is the guest's
// architecture.
func DefaultPlatform() Platform {
	return Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
}

func (p Platform) String() string {
	return p.OS + "/" + p.Architecture
}

// acceptedManifestTypes is the Accept header sent on every manifest
// fetch, requesting both OCI and Docker schema2 shapes plus their
// multi-arch index/list counterparts.
var acceptedManifestTypes = strings.Join([]string{
	specs.MediaTypeImageManifest,
	specs.MediaTypeImageIndex,
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
}, ", ")

// Client fetches manifests, configs, and layer blobs from an OCI
// distribution-spec registry, handling the Docker Hub domain alias and
// the bearer-token challenge/response auth flow transparently.
type Client struct {
	HTTP *http.Client

	// tokens caches a bearer token per realm+service+scope so repeated
	// blob fetches for the same image don't re-authenticate per layer.
	tokens map[string]string
}

// NewClient returns a Client with a sane default HTTP timeout for
// metadata calls; blob fetches override the per-request timeout via ctx.
func NewClient() *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		tokens: make(map[string]string),
	}
}

func registryHost(named reference.Named) string {
	domain := reference.Domain(named)
	if domain == "docker.io" {
		return "registry-1.docker.io"
	}
	return domain
}

func (c *Client) do(ctx context.Context, req *http.Request, scope string) (*http.Response, error) {
	req = req.WithContext(ctx)
	if tok, ok := c.tokens[scope]; ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	challenge := resp.Header.Get("Www-Authenticate")
	tok, err := c.fetchToken(ctx, challenge, scope)
	if err != nil {
		return nil, fmt.Errorf("imagepull: authenticate: %w", err)
	}
	c.tokens[scope] = tok

	retry := req.Clone(ctx)
	retry.Header.Set("Authorization", "Bearer "+tok)
	return c.HTTP.Do(retry)
}

// fetchToken implements the registry v2 Bearer challenge: parse
// `Www-Authenticate: Bearer realm="...",service="...",scope="..."` and
// exchange it for a token at realm.
func (c *Client) fetchToken(ctx context.Context, challenge, scope string) (string, error) {
	params := parseBearerChallenge(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", fmt.Errorf("no bearer realm in challenge %q", challenge)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	if svc := params["service"]; svc != "" {
		q.Set("service", svc)
	}
	if sc := params["scope"]; sc != "" {
		q.Set("scope", sc)
	} else if scope != "" {
		q.Set("scope", scope)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return body.AccessToken, nil
}

func parseBearerChallenge(challenge string) map[string]string {
	out := make(map[string]string)
	challenge = strings.TrimPrefix(challenge, "Bearer ")
	for _, part := range strings.Split(challenge, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

func pullScope(named reference.Named) string {
	return fmt.Sprintf("repository:%s:pull", reference.Path(named))
}

// ManifestResult is the outcome of FetchManifest: the resolved manifest
// together with its raw bytes, persisted verbatim.
type ManifestResult struct {
	Manifest specs.Manifest
	Raw      []byte
	Digest   digest.Digest
}

// FetchManifest resolves named to a single-platform image manifest,
// transparently dereferencing a manifest list/index to the entry matching
// platform. A manifest list with no matching platform is reported with
// the full list of available platforms.
func (c *Client) FetchManifest(ctx context.Context, named reference.Named, platform Platform) (*ManifestResult, error) {
	tagged := reference.TagNameOnly(named)
	ref := tagOrDigest(tagged)

	raw, mediaType, err := c.getManifestBytes(ctx, named, ref)
	if err != nil {
		return nil, err
	}

	if isIndexType(mediaType) {
		var index specs.Index
		if err := json.Unmarshal(raw, &index); err != nil {
			return nil, fmt.Errorf("imagepull: parse manifest index: %w", err)
		}
		entry, ok := selectPlatform(index.Manifests, platform)
		if !ok {
			return nil, fmt.Errorf("imagepull: %s is a manifest list with no entry for %s; available: %s",
				named.String(), platform, describePlatforms(index.Manifests))
		}
		raw, mediaType, err = c.getManifestBytes(ctx, named, entry.Digest.String())
		if err != nil {
			return nil, err
		}
		if isIndexType(mediaType) {
			return nil, fmt.Errorf("imagepull: %s resolved to a nested manifest list, refusing", named.String())
		}
	}

	var manifest specs.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("imagepull: parse manifest: %w", err)
	}
	if manifest.Config.Digest == "" {
		return nil, fmt.Errorf("imagepull: manifest missing config digest")
	}

	return &ManifestResult{Manifest: manifest, Raw: raw, Digest: digest.FromBytes(raw)}, nil
}

func tagOrDigest(named reference.Named) string {
	if canonical, ok := named.(reference.Canonical); ok {
		return canonical.Digest().String()
	}
	if tagged, ok := named.(reference.Tagged); ok {
		return tagged.Tag()
	}
	return "latest"
}

func isIndexType(mediaType string) bool {
	return mediaType == specs.MediaTypeImageIndex ||
		mediaType == "application/vnd.docker.distribution.manifest.list.v2+json"
}

func selectPlatform(entries []specs.Descriptor, want Platform) (specs.Descriptor, bool) {
	for _, e := range entries {
		if e.Platform == nil {
			continue
		}
		if e.Platform.OS == want.OS && e.Platform.Architecture == want.Architecture {
			return e, true
		}
	}
	return specs.Descriptor{}, false
}

func describePlatforms(entries []specs.Descriptor) string {
	var parts []string
	for _, e := range entries {
		if e.Platform == nil {
			continue
		}
		parts = append(parts, e.Platform.OS+"/"+e.Platform.Architecture)
	}
	return strings.Join(parts, ", ")
}

func (c *Client) getManifestBytes(ctx context.Context, named reference.Named, ref string) (raw []byte, mediaType string, err error) {
	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", registryHost(named), reference.Path(named), ref)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", acceptedManifestTypes)

	resp, err := c.do(ctx, req, pullScope(named))
	if err != nil {
		return nil, "", fmt.Errorf("imagepull: fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("imagepull: manifest fetch for %s returned %d", named.String(), resp.StatusCode)
	}

	raw, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

// FetchConfig retrieves the raw image config JSON blob referenced by a
// manifest's config descriptor, persisted verbatim.
func (c *Client) FetchConfig(ctx context.Context, named reference.Named, configDigest digest.Digest) ([]byte, error) {
	rc, err := c.openBlob(ctx, named, configDigest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// OpenLayer streams a layer blob by digest for extraction. The caller is
// responsible for closing the returned reader.
func (c *Client) OpenLayer(ctx context.Context, named reference.Named, layerDigest digest.Digest) (io.ReadCloser, error) {
	return c.openBlob(ctx, named, layerDigest)
}

func (c *Client) openBlob(ctx context.Context, named reference.Named, d digest.Digest) (io.ReadCloser, error) {
	url := fmt.Sprintf("https://%s/v2/%s/blobs/%s", registryHost(named), reference.Path(named), d.String())
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req, pullScope(named))
	if err != nil {
		return nil, fmt.Errorf("imagepull: fetch blob %s: %w", d, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("imagepull: blob fetch %s returned %d", d, resp.StatusCode)
	}
	return resp.Body, nil
}

// ImageConfig is the subset of the OCI image config we persist metadata
// from.
type ImageConfig struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Created      string `json:"created"`
}

// ParseConfig decodes the fields of the image config that internal/storage
// records.
func ParseConfig(raw []byte) (ImageConfig, error) {
	var cfg ImageConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ImageConfig{}, fmt.Errorf("imagepull: parse config: %w", err)
	}
	if cfg.OS == "" {
		cfg.OS = "linux"
	}
	if cfg.Architecture == "" {
		cfg.Architecture = "unknown"
	}
	return cfg, nil
}
