package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/roffe/canbus"
)

func init() {
	if err := canbus.RegisterAdapter(&canbus.AdapterInfo{
		Name:               "virtual",
		Description:        "In-process bus, endpoints on the same channel see each other",
		RequiresSerialPort: false,
		Capabilities: canbus.AdapterCapabilities{
			FD:              true,
			ErrorFrames:     false,
			HardwareFilters: false,
		},
		New: NewVirtual,
	}); err != nil {
		panic(err)
	}
}

type virtualHub struct {
	mu       sync.RWMutex
	channels map[string][]*Virtual
}

var hub = &virtualHub{channels: make(map[string][]*Virtual)}

func (h *virtualHub) join(v *Virtual) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels[v.channel] = append(h.channels[v.channel], v)
}

func (h *virtualHub) leave(v *Virtual) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.channels[v.channel]
	for i, p := range peers {
		if p == v {
			peers = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
	if len(peers) == 0 {
		delete(h.channels, v.channel)
		return
	}
	h.channels[v.channel] = peers
}

func (h *virtualHub) peers(channel string) []*Virtual {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Virtual(nil), h.channels[channel]...)
}

// Virtual is an in-process endpoint. Frames sent on one endpoint are queued
// to every other endpoint with the same channel name, in join order.
type Virtual struct {
	*BaseAdapter
	receiveOwn bool
	fd         bool
	sendMu     sync.Mutex
}

func NewVirtual(cfg *canbus.Config) (canbus.Transport, error) {
	v := &Virtual{
		BaseAdapter: NewBaseAdapter("virtual", cfg),
		receiveOwn:  cfg.ReceiveOwnMessages,
		fd:          cfg.FD,
	}
	hub.join(v)
	v.log.Debug("joined virtual channel", "peers", len(hub.peers(v.channel)))
	return v, nil
}

// Send queues f to every peer. A peer with a full queue blocks the send
// until timeout. Frames already queued to earlier peers stay queued.
func (v *Virtual) Send(f canbus.Frame, timeout time.Duration) error {
	if v.Closed() {
		return canbus.NewClosedError("send")
	}
	if f.IsFD() && !v.fd {
		return fmt.Errorf("send fd frame on classic channel: %w", canbus.ErrUnsupported)
	}
	v.sendMu.Lock()
	defer v.sendMu.Unlock()

	f = f.WithTimestamp(time.Now())
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for _, peer := range hub.peers(v.channel) {
		if peer == v && !v.receiveOwn {
			continue
		}
		if err := peer.enqueue(f, timeout, timer, v.close); err != nil {
			return err
		}
	}
	return nil
}

func (v *Virtual) enqueue(f canbus.Frame, timeout time.Duration, timer <-chan time.Time, senderClosed <-chan struct{}) error {
	f = f.WithChannel(v.channel)
	if timeout == 0 {
		select {
		case v.recv <- f:
			return nil
		case <-v.close:
			return nil
		default:
			return canbus.NewTimeoutError("send", timeout)
		}
	}
	select {
	case v.recv <- f:
		return nil
	case <-v.close:
		// a peer leaving is not the sender's problem
		return nil
	case <-senderClosed:
		return canbus.NewClosedError("send")
	case <-timer:
		return canbus.NewTimeoutError("send", timeout)
	}
}

// Shutdown leaves the channel. Frames still queued are discarded.
func (v *Virtual) Shutdown() error {
	if v.Close() {
		hub.leave(v)
		v.log.Debug("left virtual channel")
	}
	return nil
}
