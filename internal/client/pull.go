package client

import (
	"fmt"
	"time"

	"github.com/phooq/smolvm/internal/protocol"
)

// ProgressFrame is one streamed Pull progress update.
type ProgressFrame struct {
	Percent float64
	Layer   string
	Message string
}

// Pull streams an image into the guest's storage engine. onProgress is
// called for each Progress frame; the call blocks until the terminal
// Ok/Error frame arrives.
func (cl *Client) Pull(image, platform string, onProgress func(ProgressFrame)) (*protocol.ImageInfo, error) {
	if cl.inSession {
		return nil, fmt.Errorf("client: connection is borrowed by an interactive session")
	}

	params := map[string]any{"image": image}
	if platform != "" {
		params["platform"] = platform
	}

	if err := cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return nil, err
	}
	if err := cl.c.WriteFrame(protocol.Request{Method: protocol.MethodPull, Params: params}); err != nil {
		return nil, fmt.Errorf("client: send Pull: %w", err)
	}

	for {
		if err := cl.conn.SetReadDeadline(time.Now().Add(pullTimeout)); err != nil {
			return nil, err
		}
		var resp protocol.Response
		if err := cl.c.ReadFrame(&resp); err != nil {
			return nil, fmt.Errorf("client: recv Pull frame: %w", err)
		}

		switch resp.Status {
		case protocol.StatusProgress:
			if onProgress != nil {
				var pf ProgressFrame
				if v, ok := resp.Data["percent"]; ok {
					pf.Percent = float64FromAny(v)
				}
				if v, ok := resp.Data["layer"].(string); ok {
					pf.Layer = v
				}
				if v, ok := resp.Data["message"].(string); ok {
					pf.Message = v
				}
				onProgress(pf)
			}
		case protocol.StatusOk:
			return decodeImageInfo(resp.Data)
		case protocol.StatusError:
			return nil, fmt.Errorf("client: pull failed: %s (%s)", resp.Message, resp.Code)
		default:
			return nil, fmt.Errorf("client: unexpected Pull frame status %q", resp.Status)
		}
	}
}

func float64FromAny(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
