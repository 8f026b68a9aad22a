package client

import (
	"encoding/json"
	"fmt"

	"github.com/phooq/smolvm/internal/protocol"
)

// These responses carry their payload as map[string]any (decoded generic
// JSON); re-marshal/unmarshal through the typed structs rather than
// hand-walking the map, matching how the rest of the codebase treats
// protocol.Response.Data as an escape hatch, not a hand-rolled parser.

func remarshal(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("client: remarshal response data: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func decodeImageInfo(data map[string]any) (*protocol.ImageInfo, error) {
	var info protocol.ImageInfo
	if err := remarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func decodeImageList(data map[string]any) ([]protocol.ImageInfo, error) {
	raw, ok := data["images"]
	if !ok {
		raw = data
	}
	var list []protocol.ImageInfo
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func decodeOverlayInfo(data map[string]any) (*protocol.OverlayInfo, error) {
	var info protocol.OverlayInfo
	if err := remarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func decodeStorageStatus(data map[string]any) (*protocol.StorageStatus, error) {
	var status protocol.StorageStatus
	if err := remarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func decodeContainerInfo(data map[string]any) (*protocol.ContainerInfo, error) {
	var info protocol.ContainerInfo
	if err := remarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func decodeContainerList(data map[string]any) ([]protocol.ContainerInfo, error) {
	raw, ok := data["containers"]
	if !ok {
		raw = data
	}
	var list []protocol.ContainerInfo
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func decodeRunResult(resp *protocol.Response) (*RunResult, error) {
	if resp.Status != protocol.StatusCompleted {
		return nil, fmt.Errorf("client: unexpected status %q for run result", resp.Status)
	}
	var r RunResult
	if err := remarshal(resp.Data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func int64FromAny(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
