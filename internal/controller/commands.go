package controller

import (
	"context"
	"errors"
	"fmt"

	"plugwise-go-home/internal/dispatch"
	"plugwise-go-home/internal/protocol"
	"plugwise-go-home/internal/store"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrUnsupported = errors.New("not supported by node type")
	ErrInvalidMAC  = errors.New("invalid MAC address")
)

// SubmitRequest queues req without waiting for it. A request to a MAC the
// registry has never seen creates a discovered record first, so a give-up
// has a record to mark unavailable.
func (c *Controller) SubmitRequest(req protocol.Request, cb dispatch.Callback) error {
	if req.MAC != "" {
		c.registry.Discover(req.MAC)
	}
	return c.dispatcher.Submit(req, cb)
}

// ListKnownMACs returns every MAC in the registry, sorted.
func (c *Controller) ListKnownMACs() []string {
	return c.registry.List()
}

// GetNodeRecord returns a snapshot of the record for mac.
func (c *Controller) GetNodeRecord(mac string) (NodeRecord, bool) {
	return c.registry.Get(mac)
}

// Nodes returns snapshots of all records.
func (c *Controller) Nodes() []NodeRecord {
	return c.registry.Records()
}

// DispatchStats returns queue and in-flight counters.
func (c *Controller) DispatchStats() dispatch.Stats {
	return c.dispatcher.Stats()
}

func (c *Controller) request(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if req.MAC != "" {
		c.registry.Discover(req.MAC)
	}
	return c.dispatcher.Request(ctx, req)
}

// requireCapable checks that mac is known and, once its type is learned,
// that the type supports the operation. Nodes of unknown type are let through.
func (c *Controller) requireCapable(mac string, has func(Capabilities) bool) error {
	rec, ok := c.registry.Get(mac)
	if !ok {
		return fmt.Errorf("%s: %w", mac, ErrUnknownNode)
	}
	if rec.Type != NodeUnknown && !has(rec.Type.Capabilities()) {
		return fmt.Errorf("%s (%s): %w", mac, rec.Type, ErrUnsupported)
	}
	return nil
}

// SwitchRelay switches the relay of mac and waits for the node to confirm.
func (c *Controller) SwitchRelay(ctx context.Context, mac string, on bool) error {
	if err := c.requireCapable(mac, func(cp Capabilities) bool { return cp.Relay }); err != nil {
		return err
	}
	resp, err := c.request(ctx, protocol.NewSwitchRelay(mac, on))
	if err != nil {
		return fmt.Errorf("switch relay %s: %w", mac, err)
	}
	c.logger.Info("relay switched", "mac", mac, "on", on, "ack", resp.Ack)
	return nil
}

// PowerUsage asks mac for its current pulse counters.
func (c *Controller) PowerUsage(ctx context.Context, mac string) (*protocol.PowerUsage, error) {
	if err := c.requireCapable(mac, func(cp Capabilities) bool { return cp.PowerUsage }); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, protocol.NewPowerUsage(mac))
	if err != nil {
		return nil, fmt.Errorf("power usage %s: %w", mac, err)
	}
	pu, _ := resp.Payload.(*protocol.PowerUsage)
	if pu == nil {
		return nil, fmt.Errorf("power usage %s: unexpected response %s", mac, resp.ID)
	}
	return pu, nil
}

// NodeInfo asks mac for its info. The registry is updated by the response
// handler before this returns.
func (c *Controller) NodeInfo(ctx context.Context, mac string) (*protocol.NodeInfo, error) {
	resp, err := c.request(ctx, protocol.NewNodeInfo(mac))
	if err != nil {
		return nil, fmt.Errorf("node info %s: %w", mac, err)
	}
	info, _ := resp.Payload.(*protocol.NodeInfo)
	if info == nil {
		return nil, fmt.Errorf("node info %s: unexpected response %s", mac, resp.ID)
	}
	return info, nil
}

// ClockGet reads the real-time clock of mac.
func (c *Controller) ClockGet(ctx context.Context, mac string) (*protocol.Clock, error) {
	if err := c.requireCapable(mac, func(cp Capabilities) bool { return cp.Clock }); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, protocol.NewClockGet(mac))
	if err != nil {
		return nil, fmt.Errorf("clock %s: %w", mac, err)
	}
	clk, _ := resp.Payload.(*protocol.Clock)
	if clk == nil {
		return nil, fmt.Errorf("clock %s: unexpected response %s", mac, resp.ID)
	}
	return clk, nil
}

// Ping measures round-trip time and signal quality to mac.
func (c *Controller) Ping(ctx context.Context, mac string) (*protocol.Ping, error) {
	resp, err := c.request(ctx, protocol.NewPing(mac))
	if err != nil {
		return nil, fmt.Errorf("ping %s: %w", mac, err)
	}
	p, _ := resp.Payload.(*protocol.Ping)
	if p == nil {
		return nil, fmt.Errorf("ping %s: unexpected response %s", mac, resp.ID)
	}
	return p, nil
}

// Discover adds mac to the registry and asks it for its info. It reports
// whether the MAC was new.
func (c *Controller) Discover(mac string) (bool, error) {
	mac, err := protocol.NormalizeMAC(mac)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidMAC, err)
	}
	created := c.registry.Discover(mac)
	if err := c.dispatcher.Submit(protocol.NewNodeInfo(mac), nil); err != nil {
		return created, err
	}
	return created, nil
}

// Rename sets the friendly name of mac and persists it.
func (c *Controller) Rename(mac, name string) error {
	if !c.registry.Rename(mac, name) {
		return fmt.Errorf("%s: %w", mac, ErrUnknownNode)
	}
	err := c.store.UpdateNode(mac, func(n *store.Node) error {
		n.Name = name
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		rec, _ := c.registry.Get(mac)
		err = c.store.SaveNode(&store.Node{MAC: mac, Type: rec.Type.String(), Name: name, FirstSeen: c.now(), LastSeen: rec.LastSeen})
	}
	if err != nil {
		return fmt.Errorf("persist name: %w", err)
	}
	return nil
}

// Unregister forgets mac. Requests already in flight run to completion.
func (c *Controller) Unregister(mac string) error {
	if !c.registry.Unregister(mac) {
		return fmt.Errorf("%s: %w", mac, ErrUnknownNode)
	}
	if err := c.store.DeleteNode(mac); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}
