// Package controller ties the dispatch core to the node registry, the poll
// scheduler and persistence, and exposes the application-level API.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"plugwise-go-home/internal/dispatch"
	"plugwise-go-home/internal/protocol"
	"plugwise-go-home/internal/store"
)

// Config holds controller configuration.
type Config struct {
	Dispatch dispatch.Config
	Poll     PollConfig
	// ScanCirclePlus walks the Circle+ association table at start.
	ScanCirclePlus bool
	InitTimeout    time.Duration
}

// StickConfig holds stick port settings for display purposes.
type StickConfig struct {
	Type    string `json:"type"`
	Port    string `json:"port,omitempty"`
	Baud    int    `json:"baud,omitempty"`
	Address string `json:"address,omitempty"`
}

// StickInfo is what the stick reported at initialization.
type StickInfo struct {
	MAC           string `json:"mac"`
	CirclePlusMAC string `json:"circle_plus_mac"`
	NetworkID     uint16 `json:"network_id"`
	Online        bool   `json:"online"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now for registry, poller and dispatch timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithStickConfig records port settings shown by StickState.
func WithStickConfig(sc StickConfig) Option {
	return func(c *Controller) { c.stickConfig = sc }
}

// Controller manages the Plugwise network through a stick transport.
type Controller struct {
	dispatcher  *dispatch.Dispatcher
	registry    *Registry
	poller      *Poller
	events      *EventBus
	store       store.Store
	logger      *slog.Logger
	cfg         Config
	stickConfig StickConfig
	now         func() time.Time

	stickMu sync.RWMutex
	stick   StickInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller on top of transport. Call Start to initialize the stick.
func New(transport dispatch.Transport, st store.Store, events *EventBus, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:  st,
		events: events,
		logger: logger.With("component", "controller"),
		cfg:    cfg,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.InitTimeout <= 0 {
		c.cfg.InitTimeout = 10 * time.Second
	}

	c.dispatcher = dispatch.New(transport, cfg.Dispatch, logger, dispatch.WithClock(c.now))
	c.registry = NewRegistry(events, c.now, logger)
	c.poller = newPoller(c.registry, c.dispatcher, cfg.Poll, c.now, logger)

	c.dispatcher.OnResponse(c.handleResponse)
	c.dispatcher.OnGaveUp(c.handleGaveUp)
	return c
}

// Context returns the controller's context, which is cancelled on Stop.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Start launches the dispatch loops, initializes the stick, restores
// persisted nodes and starts polling.
func (c *Controller) Start(ctx context.Context) error {
	c.dispatcher.Start()
	c.restoreNodes()

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.InitTimeout)
	defer cancel()
	resp, err := c.dispatcher.Request(initCtx, protocol.NewStickInit())
	if err != nil {
		return fmt.Errorf("stick init: %w", err)
	}
	info, _ := resp.Payload.(*protocol.StickInitInfo)
	if info == nil {
		return fmt.Errorf("stick init: unexpected response %s", resp.ID)
	}
	c.setStickInfo(StickInfo{
		MAC:           resp.MAC,
		CirclePlusMAC: info.CirclePlusMAC,
		NetworkID:     info.NetworkID,
		Online:        info.Online,
	})
	c.logger.Info("stick initialized", "mac", resp.MAC, "circle_plus", info.CirclePlusMAC,
		"network_id", fmt.Sprintf("%04X", info.NetworkID), "online", info.Online)

	if info.Online && protocol.ValidMAC(info.CirclePlusMAC) {
		c.registry.Discover(info.CirclePlusMAC)
		if c.cfg.ScanCirclePlus {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.scanCirclePlus(info.CirclePlusMAC)
			}()
		}
	} else {
		c.logger.Warn("stick network offline, only restored nodes will be polled")
	}

	// Ask every known node for its info so it can become available.
	for _, mac := range c.registry.List() {
		if err := c.dispatcher.Submit(protocol.NewNodeInfo(mac), nil); err != nil {
			return fmt.Errorf("request node info: %w", err)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poller.run(c.ctx.Done())
	}()
	return nil
}

// Stop ends polling and the dispatch loops. In-flight requests are
// abandoned after a short drain. The transport is left open for the caller
// to close.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
	c.dispatcher.Stop()
}

func (c *Controller) restoreNodes() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		c.logger.Error("restore nodes", "err", err)
		return
	}
	for _, n := range nodes {
		c.registry.Restore(n.MAC, ParseNodeType(n.Type), n.Name)
	}
	if len(nodes) > 0 {
		c.logger.Info("restored nodes", "count", len(nodes))
	}
}

// scanCirclePlus reads the 64 association slots of the Circle+ and
// discovers every linked node.
func (c *Controller) scanCirclePlus(cp string) {
	const slots = 64
	found := 0
	for addr := 0; addr < slots; addr++ {
		resp, err := c.dispatcher.Request(c.ctx, protocol.NewCirclePlusScan(cp, addr).AsPoll())
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, dispatch.ErrStopped) {
				return
			}
			c.logger.Warn("circle+ scan slot failed", "addr", addr, "err", err)
			continue
		}
		slot, _ := resp.Payload.(*protocol.ScanSlot)
		if slot == nil || slot.Empty() || !protocol.ValidMAC(slot.LinkedMAC) {
			continue
		}
		found++
		if c.registry.Discover(slot.LinkedMAC) {
			if err := c.dispatcher.Submit(protocol.NewNodeInfo(slot.LinkedMAC), nil); err != nil {
				c.logger.Warn("request node info", "mac", slot.LinkedMAC, "err", err)
				if errors.Is(err, dispatch.ErrStopped) {
					return
				}
			}
		}
	}
	c.logger.Info("circle+ scan complete", "linked", found)
}

// handleResponse keeps the registry in step with every decoded response,
// including ones no request is waiting for.
func (c *Controller) handleResponse(resp *protocol.Response) {
	if resp.Kind == protocol.KindStickInit || resp.MAC == "" {
		return
	}
	switch p := resp.Payload.(type) {
	case *protocol.NodeInfo:
		rec := c.registry.ApplyNodeInfo(resp.MAC, *p)
		c.persistNode(rec)
	case *protocol.PowerUsage:
		c.registry.MarkSeen(resp.MAC)
		c.registry.UpdatePower(resp.MAC, *p)
	default:
		c.registry.MarkSeen(resp.MAC)
	}
	if resp.Kind == protocol.KindNodeAck {
		switch resp.Ack {
		case protocol.AckRelayOn:
			c.registry.SetRelay(resp.MAC, true)
		case protocol.AckRelayOff:
			c.registry.SetRelay(resp.MAC, false)
		}
	}
}

func (c *Controller) handleGaveUp(mac string, req protocol.Request) {
	c.registry.MarkUnavailable(mac)
}

func (c *Controller) persistNode(rec NodeRecord) {
	err := c.store.UpdateNode(rec.MAC, func(n *store.Node) error {
		n.Type = rec.Type.String()
		n.LastSeen = rec.LastSeen
		if rec.Info != nil {
			n.HardwareVer = rec.Info.HardwareVer
			n.FirmwareDate = rec.Info.FirmwareDate
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		n := &store.Node{
			MAC:       rec.MAC,
			Type:      rec.Type.String(),
			Name:      rec.Name,
			FirstSeen: rec.LastSeen,
			LastSeen:  rec.LastSeen,
		}
		if rec.Info != nil {
			n.HardwareVer = rec.Info.HardwareVer
			n.FirmwareDate = rec.Info.FirmwareDate
		}
		err = c.store.SaveNode(n)
	}
	if err != nil {
		c.logger.Error("persist node", "mac", rec.MAC, "err", err)
	}
}

func (c *Controller) setStickInfo(info StickInfo) {
	c.stickMu.Lock()
	c.stick = info
	c.stickMu.Unlock()

	if err := c.store.SaveStickInfo(&store.StickInfo{
		MAC:           info.MAC,
		CirclePlusMAC: info.CirclePlusMAC,
		NetworkID:     info.NetworkID,
		Online:        info.Online,
		UpdatedAt:     c.now(),
	}); err != nil {
		c.logger.Error("save stick info", "err", err)
	}
	c.events.Emit(Event{Type: EventStickState, MAC: info.MAC, Data: info})
}

// StickInfo returns what the stick reported at initialization.
func (c *Controller) StickInfo() StickInfo {
	c.stickMu.RLock()
	defer c.stickMu.RUnlock()
	return c.stick
}

// StickState combines port settings, stick info and dispatch counters.
func (c *Controller) StickState() map[string]interface{} {
	return map[string]interface{}{
		"port":     c.stickConfig,
		"stick":    c.StickInfo(),
		"dispatch": c.dispatcher.Stats(),
		"nodes":    c.registry.Len(),
		"interval": c.poller.Interval().String(),
	}
}

// Events returns the event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// Registry returns the node registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Dispatcher returns the dispatch core.
func (c *Controller) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Poller returns the poll scheduler.
func (c *Controller) Poller() *Poller {
	return c.poller
}

// Store returns the store.
func (c *Controller) Store() store.Store {
	return c.store
}
