package canbus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type AdapterInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	Capabilities       AdapterCapabilities
	New                func(*Config) (Transport, error)
}

func (a *AdapterInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v ", a.Name, a.Description, a.RequiresSerialPort)
}

type AdapterCapabilities struct {
	FD              bool
	ErrorFrames     bool
	HardwareFilters bool
}

func (a *AdapterCapabilities) String() string {
	return fmt.Sprintf("FD: %v, ErrorFrames: %v, HardwareFilters: %v", a.FD, a.ErrorFrames, a.HardwareFilters)
}

var (
	adapterMu  sync.RWMutex
	adapterMap = make(map[string]*AdapterInfo)
)

// RegisterAdapter makes an adapter available to New under its name. It is
// meant to be called from init functions.
func RegisterAdapter(adapter *AdapterInfo) error {
	if adapter == nil || adapter.New == nil {
		return fmt.Errorf("adapter %v has no constructor", adapter)
	}
	key := strings.ToLower(adapter.Name)
	adapterMu.Lock()
	defer adapterMu.Unlock()
	if _, found := adapterMap[key]; found {
		return fmt.Errorf("adapter %s already registered", adapter.Name)
	}
	adapterMap[key] = adapter
	return nil
}

// NewTransport resolves cfg.Interface in the adapter registry and creates
// the transport.
func NewTransport(cfg *Config) (Transport, error) {
	adapterMu.RLock()
	adapter, found := adapterMap[strings.ToLower(cfg.Interface)]
	adapterMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownAdapter, cfg.Interface)
	}
	t, err := adapter.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", adapter.Name, err)
	}
	return t, nil
}

func ListAdapterNames() []string {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	var out []string
	for _, adapter := range adapterMap {
		out = append(out, adapter.Name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListAdapters() []AdapterInfo {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	var out []AdapterInfo
	for _, adapter := range adapterMap {
		out = append(out, *adapter)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
