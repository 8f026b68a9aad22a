package agent

import (
	"context"

	"github.com/phooq/smolvm/internal/codec"
	"github.com/phooq/smolvm/internal/protocol"
)

// handlePull drives Engine.Pull, forwarding each progress callback as a
// streamed Progress frame before the terminal Ok/Error frame, matching the
// host-side client.Pull's expected frame sequence.
func (a *Agent) handlePull(ctx context.Context, conn *codec.Conn, params map[string]any) {
	image := stringParam(params, "image")
	platform := stringParam(params, "platform")

	info, err := a.engine.Pull(ctx, image, platform, func(percent int, layerDigest, message string) {
		_ = conn.WriteFrame(protocol.Response{
			Status: protocol.StatusProgress,
			Data: map[string]any{
				"percent": percent,
				"layer":   layerDigest,
				"message": message,
			},
		})
	})
	if err != nil {
		_ = conn.WriteFrame(errorResponse(err))
		return
	}
	_ = conn.WriteFrame(okResponse(structToMap(toProtocolImage(info))))
}
