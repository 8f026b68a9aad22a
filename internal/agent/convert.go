package agent

import (
	"encoding/base64"
	"encoding/json"

	"github.com/phooq/smolvm/internal/protocol"
	"github.com/phooq/smolvm/internal/storage"
)

func toProtocolImage(info storage.ImageInfo) protocol.ImageInfo {
	return protocol.ImageInfo{
		Reference:    info.Reference,
		Digest:       info.Digest,
		Layers:       info.Layers,
		Architecture: info.Architecture,
		OS:           info.OS,
		Created:      info.Created,
		SizeBytes:    info.SizeBytes,
	}
}

func toProtocolOverlay(info storage.OverlayInfo) protocol.OverlayInfo {
	return protocol.OverlayInfo{
		WorkloadID: info.WorkloadID,
		Merged:     info.Merged,
		Bundle:     info.Bundle,
	}
}

func toProtocolStatus(r storage.StatusReport) protocol.StorageStatus {
	return protocol.StorageStatus{
		Ready:      r.Ready,
		TotalBytes: r.TotalBytes,
		UsedBytes:  r.UsedBytes,
		LayerCount: r.LayerCount,
		ImageCount: r.ImageCount,
	}
}

func toProtocolContainer(rec storage.ContainerRecord) protocol.ContainerInfo {
	return protocol.ContainerInfo{
		ID:        rec.ID,
		ImageRef:  rec.ImageRef,
		Command:   rec.Command,
		Env:       rec.Env,
		Workdir:   rec.Workdir,
		Mounts:    rec.Mounts,
		State:     rec.State,
		CreatedAt: rec.CreatedAt,
		ExitCode:  rec.ExitCode,
	}
}

// structToMap round-trips v through JSON into a map[string]any, matching
// the way every Response.Data field is populated across this package.
func structToMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func boolParam(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

func int64Param(params map[string]any, key string) int64 {
	switch v := params[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func stringSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	var out []string
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func stringMapParam(params map[string]any, key string) map[string]string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	var out map[string]string
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func mountsParam(params map[string]any, key string) []protocol.Mount {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	var out []protocol.Mount
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	_ = json.Unmarshal(data, &out)
	return out
}

// decodeWireBytes recovers the raw bytes behind a Stdin/Stdout/Stderr
// "data" field. Go's encoding/json always base64-encodes a []byte value
// stored behind an interface{}, so every such field on this wire is a
// base64 string; fall back to treating it as a literal string for
// robustness against non-Go peers that might send one.
func decodeWireBytes(v any) []byte {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}
