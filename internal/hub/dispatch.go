package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/hullworks/deckhand/schema"
)

// Handler receives decoded hub commands. The dispatcher decodes each payload
// exactly once at the channel boundary; handlers never see raw JSON. Replies
// are the handler's responsibility and must echo requestID verbatim.
type Handler interface {
	HandleRegistered(ctx context.Context, requestID string, p schema.RegisteredPayload)
	HandleTabCreate(ctx context.Context, requestID string, p schema.TabCreatePayload)
	HandleTabInput(ctx context.Context, requestID string, p schema.TabInputPayload)
	HandleTabResize(ctx context.Context, requestID string, p schema.TabResizePayload)
	HandleTabClose(ctx context.Context, requestID string, p schema.TabClosePayload)
	HandleTabAttach(ctx context.Context, requestID string, p schema.TabAttachPayload)
	HandleBufferRequest(ctx context.Context, requestID string, p schema.BufferRequestPayload)
	HandleEnvUpdate(ctx context.Context, requestID string, p schema.EnvUpdatePayload)
	HandleGitStatus(ctx context.Context, requestID string, p schema.GitStatusRequestPayload)
	HandleContainerInfo(ctx context.Context, requestID string)
	HandleVPNStatus(ctx context.Context, requestID string)
	HandleFileUpload(ctx context.Context, requestID string, p schema.FileUploadPayload)
	HandleStateRequest(ctx context.Context, requestID string)
}

// dispatch decodes one inbound frame and routes it. A panicking handler
// loses that one message, never the channel.
func (c *Conn) dispatch(ctx context.Context, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("handler panic", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	var env schema.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("undecodable hub frame", "err", err)
		return
	}

	h := c.opts.Handler
	switch env.Kind {
	case schema.KindRegistered:
		var p schema.RegisteredPayload
		if !c.decode(env, &p) {
			return
		}
		c.setRegistered()
		h.HandleRegistered(ctx, env.RequestID, p)
	case schema.KindTabCreate:
		var p schema.TabCreatePayload
		if !c.decode(env, &p) {
			return
		}
		h.HandleTabCreate(ctx, env.RequestID, p)
	case schema.KindTabInput:
		var p schema.TabInputPayload
		if !c.decode(env, &p) {
			return
		}
		h.HandleTabInput(ctx, env.RequestID, p)
	case schema.KindTabResize:
		var p schema.TabResizePayload
		if !c.decode(env, &p) {
			return
		}
		h.HandleTabResize(ctx, env.RequestID, p)
	case schema.KindTabClose:
		var p schema.TabClosePayload
		if !c.decode(env, &p) {
			return
		}
		c.detach(env.Kind, func() { h.HandleTabClose(ctx, env.RequestID, p) })
	case schema.KindTabAttach:
		var p schema.TabAttachPayload
		if !c.decode(env, &p) {
			return
		}
		h.HandleTabAttach(ctx, env.RequestID, p)
	case schema.KindBufferRequest:
		var p schema.BufferRequestPayload
		if !c.decode(env, &p) {
			return
		}
		h.HandleBufferRequest(ctx, env.RequestID, p)
	case schema.KindEnvUpdate:
		var p schema.EnvUpdatePayload
		if !c.decode(env, &p) {
			return
		}
		c.detach(env.Kind, func() { h.HandleEnvUpdate(ctx, env.RequestID, p) })
	case schema.KindGitStatus:
		var p schema.GitStatusRequestPayload
		if !c.decode(env, &p) {
			return
		}
		c.detach(env.Kind, func() { h.HandleGitStatus(ctx, env.RequestID, p) })
	case schema.KindContainerInfo:
		c.detach(env.Kind, func() { h.HandleContainerInfo(ctx, env.RequestID) })
	case schema.KindVPNStatus:
		c.detach(env.Kind, func() { h.HandleVPNStatus(ctx, env.RequestID) })
	case schema.KindFileUpload:
		var p schema.FileUploadPayload
		if !c.decode(env, &p) {
			return
		}
		c.detach(env.Kind, func() { h.HandleFileUpload(ctx, env.RequestID, p) })
	case schema.KindStateRequest:
		h.HandleStateRequest(ctx, env.RequestID)
	default:
		c.log.Warn("unknown hub message kind", "kind", env.Kind, "request_id", env.RequestID)
		c.replyFailed(env, fmt.Errorf("%w: unknown message kind %q", schema.ErrInvalidRequest, env.Kind))
	}
}

// detach runs a potentially slow handler on its own goroutine. Ancillary
// commands shell out, write files, or wait out a capture grace period;
// running them inline would stall tab input and resize handling for every
// other tab until they finish. Replies carry the request id, so the hub does
// not depend on reply ordering across commands.
func (c *Conn) detach(kind schema.MessageKind, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				c.log.Error("handler panic", "kind", kind,
					"panic", rec, "stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

// decode unmarshals the payload. An absent payload decodes to the zero
// value; malformed JSON is reported back to the hub.
func (c *Conn) decode(env schema.Envelope, into any) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, into); err != nil {
		c.log.Warn("malformed payload", "kind", env.Kind, "err", err)
		c.replyFailed(env, fmt.Errorf("%w: malformed %s payload: %v", schema.ErrInvalidRequest, env.Kind, err))
		return false
	}
	return true
}

func (c *Conn) replyFailed(env schema.Envelope, cause error) {
	reply, err := schema.NewEnvelope(schema.KindCommandFailed, env.RequestID,
		schema.CommandFailedPayload{Result: schema.Failure(cause), Kind: env.Kind})
	if err != nil {
		return
	}
	if err := c.Send(reply); err != nil {
		c.log.Debug("command.failed reply dropped", "err", err)
	}
}
