package esl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Commander issues call-control commands without exposing which socket
// carries them. Basic per-channel operations work on either connection
// class; originate, bridge, event subscription and event waiting require
// the inbound client.
type Commander interface {
	ExecuteAPI(ctx context.Context, command string) (string, error)

	UUIDKill(ctx context.Context, uuid, cause string) error
	UUIDHold(ctx context.Context, uuid string, on bool) error
	UUIDBreak(ctx context.Context, uuid string) error
	UUIDBroadcast(ctx context.Context, uuid, path, leg string) error
	UUIDExists(ctx context.Context, uuid string) (bool, error)
	UUIDSetVar(ctx context.Context, uuid, name, value string) error
	UUIDGetVar(ctx context.Context, uuid, name string) (string, error)
	UUIDTransfer(ctx context.Context, uuid, extension, dialplan, callCtx string) error

	Originate(ctx context.Context, req OriginateRequest) (string, error)
	UUIDBridge(ctx context.Context, uuidA, uuidB string) error
	SubscribeEvents(ctx context.Context, names ...string) error
	WaitForEvent(ctx context.Context, name, uuid string, timeout time.Duration) (Event, error)
}

// apiExecutor is the capability the uuid_* helpers need.
type apiExecutor interface {
	ExecuteAPI(ctx context.Context, command string) (string, error)
}

// ─── Shared uuid_* helpers ────────────────────────────────────────────────

func apiCheck(ctx context.Context, x apiExecutor, command string) error {
	body, err := x.ExecuteAPI(ctx, command)
	if err != nil {
		return err
	}
	if err := checkReply(body); err != nil {
		return fmt.Errorf("esl: %s: %w", firstWord(command), err)
	}
	return nil
}

func uuidKill(ctx context.Context, x apiExecutor, uuid, cause string) error {
	cmd := "uuid_kill " + uuid
	if cause != "" {
		cmd += " " + cause
	}
	return apiCheck(ctx, x, cmd)
}

func uuidHold(ctx context.Context, x apiExecutor, uuid string, on bool) error {
	if on {
		return apiCheck(ctx, x, "uuid_hold "+uuid)
	}
	return apiCheck(ctx, x, "uuid_hold off "+uuid)
}

func uuidBreak(ctx context.Context, x apiExecutor, uuid string) error {
	return apiCheck(ctx, x, "uuid_break "+uuid+" all")
}

func uuidBroadcast(ctx context.Context, x apiExecutor, uuid, path, leg string) error {
	if leg == "" {
		leg = "aleg"
	}
	return apiCheck(ctx, x, "uuid_broadcast "+uuid+" "+path+" "+leg)
}

func uuidExists(ctx context.Context, x apiExecutor, uuid string) (bool, error) {
	body, err := x.ExecuteAPI(ctx, "uuid_exists "+uuid)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(body) == "true", nil
}

func uuidSetVar(ctx context.Context, x apiExecutor, uuid, name, value string) error {
	return apiCheck(ctx, x, "uuid_setvar "+uuid+" "+name+" "+value)
}

func uuidGetVar(ctx context.Context, x apiExecutor, uuid, name string) (string, error) {
	body, err := x.ExecuteAPI(ctx, "uuid_getvar "+uuid+" "+name)
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if body == "_undef_" {
		return "", nil
	}
	if err := checkReply(body); err != nil {
		return "", fmt.Errorf("esl: uuid_getvar %s: %w", name, err)
	}
	return body, nil
}

func uuidTransfer(ctx context.Context, x apiExecutor, uuid, extension, dialplan, callCtx string) error {
	cmd := "uuid_transfer " + uuid + " " + extension
	if dialplan != "" {
		cmd += " " + dialplan
		if callCtx != "" {
			cmd += " " + callCtx
		}
	}
	return apiCheck(ctx, x, cmd)
}

// ─── OutboundCommander ────────────────────────────────────────────────────

// OutboundCommander drives a single call through its outbound socket.
// Advanced operations report [ErrOutboundOnly] so a hybrid wrapper can fall
// back to the inbound client.
type OutboundCommander struct {
	conn *OutboundConn
}

// NewOutboundCommander wraps an accepted outbound connection.
func NewOutboundCommander(conn *OutboundConn) *OutboundCommander {
	return &OutboundCommander{conn: conn}
}

var _ Commander = (*OutboundCommander)(nil)

func (c *OutboundCommander) ExecuteAPI(ctx context.Context, command string) (string, error) {
	return c.conn.ExecuteAPI(ctx, command)
}

func (c *OutboundCommander) UUIDKill(ctx context.Context, uuid, cause string) error {
	return uuidKill(ctx, c.conn, uuid, cause)
}

func (c *OutboundCommander) UUIDHold(ctx context.Context, uuid string, on bool) error {
	return uuidHold(ctx, c.conn, uuid, on)
}

func (c *OutboundCommander) UUIDBreak(ctx context.Context, uuid string) error {
	return uuidBreak(ctx, c.conn, uuid)
}

func (c *OutboundCommander) UUIDBroadcast(ctx context.Context, uuid, path, leg string) error {
	return uuidBroadcast(ctx, c.conn, uuid, path, leg)
}

func (c *OutboundCommander) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	return uuidExists(ctx, c.conn, uuid)
}

func (c *OutboundCommander) UUIDSetVar(ctx context.Context, uuid, name, value string) error {
	return uuidSetVar(ctx, c.conn, uuid, name, value)
}

func (c *OutboundCommander) UUIDGetVar(ctx context.Context, uuid, name string) (string, error) {
	return uuidGetVar(ctx, c.conn, uuid, name)
}

func (c *OutboundCommander) UUIDTransfer(ctx context.Context, uuid, extension, dialplan, callCtx string) error {
	return uuidTransfer(ctx, c.conn, uuid, extension, dialplan, callCtx)
}

func (c *OutboundCommander) Originate(context.Context, OriginateRequest) (string, error) {
	return "", ErrOutboundOnly
}

func (c *OutboundCommander) UUIDBridge(context.Context, string, string) error {
	return ErrOutboundOnly
}

func (c *OutboundCommander) SubscribeEvents(context.Context, ...string) error {
	return ErrOutboundOnly
}

func (c *OutboundCommander) WaitForEvent(context.Context, string, string, time.Duration) (Event, error) {
	return nil, ErrOutboundOnly
}

// ─── InboundCommander ─────────────────────────────────────────────────────

// InboundCommander adapts the shared inbound client to the Commander
// surface.
type InboundCommander struct {
	client *InboundClient
}

// NewInboundCommander wraps the shared inbound client.
func NewInboundCommander(client *InboundClient) *InboundCommander {
	return &InboundCommander{client: client}
}

var _ Commander = (*InboundCommander)(nil)

func (c *InboundCommander) ExecuteAPI(ctx context.Context, command string) (string, error) {
	return c.client.ExecuteAPI(ctx, command)
}

func (c *InboundCommander) UUIDKill(ctx context.Context, uuid, cause string) error {
	return uuidKill(ctx, c.client, uuid, cause)
}

func (c *InboundCommander) UUIDHold(ctx context.Context, uuid string, on bool) error {
	return uuidHold(ctx, c.client, uuid, on)
}

func (c *InboundCommander) UUIDBreak(ctx context.Context, uuid string) error {
	return uuidBreak(ctx, c.client, uuid)
}

func (c *InboundCommander) UUIDBroadcast(ctx context.Context, uuid, path, leg string) error {
	return uuidBroadcast(ctx, c.client, uuid, path, leg)
}

func (c *InboundCommander) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	return uuidExists(ctx, c.client, uuid)
}

func (c *InboundCommander) UUIDSetVar(ctx context.Context, uuid, name, value string) error {
	return uuidSetVar(ctx, c.client, uuid, name, value)
}

func (c *InboundCommander) UUIDGetVar(ctx context.Context, uuid, name string) (string, error) {
	return uuidGetVar(ctx, c.client, uuid, name)
}

func (c *InboundCommander) UUIDTransfer(ctx context.Context, uuid, extension, dialplan, callCtx string) error {
	return uuidTransfer(ctx, c.client, uuid, extension, dialplan, callCtx)
}

func (c *InboundCommander) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	return c.client.Originate(ctx, req)
}

func (c *InboundCommander) UUIDBridge(ctx context.Context, uuidA, uuidB string) error {
	return c.client.UUIDBridge(ctx, uuidA, uuidB)
}

func (c *InboundCommander) SubscribeEvents(ctx context.Context, names ...string) error {
	return c.client.SubscribeEvents(ctx, names...)
}

func (c *InboundCommander) WaitForEvent(ctx context.Context, name, uuid string, timeout time.Duration) (Event, error) {
	return c.client.WaitForEvent(ctx, name, uuid, timeout)
}

// ─── HybridCommander ──────────────────────────────────────────────────────

// HybridCommander prefers the call's own outbound socket and falls back to
// the inbound client when the socket is gone or the operation needs it.
// Either side may be nil; a command with no usable side reports the reason.
type HybridCommander struct {
	outbound Commander
	inbound  Commander
}

// NewHybridCommander builds the per-call command router.
func NewHybridCommander(outbound, inbound Commander) *HybridCommander {
	return &HybridCommander{outbound: outbound, inbound: inbound}
}

var _ Commander = (*HybridCommander)(nil)

// route tries the outbound side first and falls back on connection loss or
// unsupported operations.
func (c *HybridCommander) route(op func(Commander) error) error {
	if c.outbound != nil {
		err := op(c.outbound)
		if err == nil || !fallbackWorthy(err) {
			return err
		}
	}
	if c.inbound != nil {
		return op(c.inbound)
	}
	if c.outbound == nil {
		return ErrNotConnected
	}
	return ErrInboundRequired
}

func fallbackWorthy(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrOutboundOnly)
}

func (c *HybridCommander) ExecuteAPI(ctx context.Context, command string) (string, error) {
	var body string
	err := c.route(func(cmd Commander) error {
		var e error
		body, e = cmd.ExecuteAPI(ctx, command)
		return e
	})
	return body, err
}

func (c *HybridCommander) UUIDKill(ctx context.Context, uuid, cause string) error {
	return c.route(func(cmd Commander) error { return cmd.UUIDKill(ctx, uuid, cause) })
}

func (c *HybridCommander) UUIDHold(ctx context.Context, uuid string, on bool) error {
	return c.route(func(cmd Commander) error { return cmd.UUIDHold(ctx, uuid, on) })
}

func (c *HybridCommander) UUIDBreak(ctx context.Context, uuid string) error {
	return c.route(func(cmd Commander) error { return cmd.UUIDBreak(ctx, uuid) })
}

func (c *HybridCommander) UUIDBroadcast(ctx context.Context, uuid, path, leg string) error {
	return c.route(func(cmd Commander) error { return cmd.UUIDBroadcast(ctx, uuid, path, leg) })
}

func (c *HybridCommander) UUIDExists(ctx context.Context, uuid string) (bool, error) {
	var exists bool
	err := c.route(func(cmd Commander) error {
		var e error
		exists, e = cmd.UUIDExists(ctx, uuid)
		return e
	})
	return exists, err
}

func (c *HybridCommander) UUIDSetVar(ctx context.Context, uuid, name, value string) error {
	return c.route(func(cmd Commander) error { return cmd.UUIDSetVar(ctx, uuid, name, value) })
}

func (c *HybridCommander) UUIDGetVar(ctx context.Context, uuid, name string) (string, error) {
	var value string
	err := c.route(func(cmd Commander) error {
		var e error
		value, e = cmd.UUIDGetVar(ctx, uuid, name)
		return e
	})
	return value, err
}

func (c *HybridCommander) UUIDTransfer(ctx context.Context, uuid, extension, dialplan, callCtx string) error {
	return c.route(func(cmd Commander) error {
		return cmd.UUIDTransfer(ctx, uuid, extension, dialplan, callCtx)
	})
}

// inboundOnly skips the outbound attempt entirely.
func (c *HybridCommander) inboundOnly(op func(Commander) error) error {
	if c.inbound == nil {
		return ErrInboundRequired
	}
	return op(c.inbound)
}

func (c *HybridCommander) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	var uuid string
	err := c.inboundOnly(func(cmd Commander) error {
		var e error
		uuid, e = cmd.Originate(ctx, req)
		return e
	})
	return uuid, err
}

func (c *HybridCommander) UUIDBridge(ctx context.Context, uuidA, uuidB string) error {
	return c.inboundOnly(func(cmd Commander) error { return cmd.UUIDBridge(ctx, uuidA, uuidB) })
}

func (c *HybridCommander) SubscribeEvents(ctx context.Context, names ...string) error {
	return c.inboundOnly(func(cmd Commander) error { return cmd.SubscribeEvents(ctx, names...) })
}

func (c *HybridCommander) WaitForEvent(ctx context.Context, name, uuid string, timeout time.Duration) (Event, error) {
	var ev Event
	err := c.inboundOnly(func(cmd Commander) error {
		var e error
		ev, e = cmd.WaitForEvent(ctx, name, uuid, timeout)
		return e
	})
	return ev, err
}

// PlaybackPath formats a broadcast argument for a sound file or tone, with
// loops encoded the way uuid_broadcast expects.
func PlaybackPath(path string, loops int) string {
	if loops > 1 {
		return path + "@@" + strconv.Itoa(loops)
	}
	return path
}
