package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AnnouncerConfig configures an Announcer.
type AnnouncerConfig struct {
	// Interface restricts announcement to one network interface.
	Interface string

	// TTL overrides the DNS record TTL.
	TTL time.Duration
}

// Announcer advertises the bridge over DNS-SD.
type Announcer struct {
	config AnnouncerConfig

	mu      sync.Mutex
	server  *zeroconf.Server
	stopped bool
}

// NewAnnouncer returns an Announcer.
func NewAnnouncer(config AnnouncerConfig) *Announcer {
	return &Announcer{config: config}
}

// getInterfaces returns the interfaces to use. Nil means all.
func (a *Announcer) getInterfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Announce registers the bridge, replacing any previous registration.
func (a *Announcer) Announce(info *BridgeInfo, port int) error {
	if err := ValidateInstanceName(info.InstanceName); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrAnnouncerStopped
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		info.InstanceName,
		ServiceTypeBridge,
		Domain,
		port,
		TXTRecordsToStrings(EncodeBridgeTXT(info)),
		a.getInterfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register bridge service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the announcement. It is safe to call more than once.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// BrowseBridges lists bridges announced on the network within timeout.
// Services are aggregated by instance name.
func BrowseBridges(ctx context.Context, iface string, timeout time.Duration) ([]*BridgeInfo, error) {
	if timeout <= 0 {
		timeout = BrowseTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var opts []zeroconf.ClientOption
	if iface != "" {
		if ifc, err := net.InterfaceByName(iface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*ifc}))
		}
	}

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	errc := make(chan error, 1)
	go func() {
		errc <- zeroconf.Browse(ctx, ServiceTypeBridge, Domain, entries, removed, opts...)
	}()

	found := make(map[string]*BridgeInfo)
	var order []string
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			info := entryToBridge(entry)
			if info == nil {
				continue
			}
			if existing, ok := found[info.InstanceName]; ok {
				existing.Addresses = mergeAddresses(existing.Addresses, info.Addresses)
				continue
			}
			found[info.InstanceName] = info
			order = append(order, info.InstanceName)
		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			delete(found, entry.Instance)
		case <-ctx.Done():
			if err := <-errc; err != nil && ctx.Err() == nil {
				return nil, err
			}
			out := make([]*BridgeInfo, 0, len(found))
			for _, name := range order {
				if info, ok := found[name]; ok {
					out = append(out, info)
				}
			}
			return out, nil
		}
	}
}

func entryToBridge(entry *zeroconf.ServiceEntry) *BridgeInfo {
	info, err := DecodeBridgeTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return nil
	}
	info.InstanceName = entry.Instance
	for _, ip := range entry.AddrIPv4 {
		info.Addresses = append(info.Addresses, net.JoinHostPort(ip.String(), fmt.Sprint(entry.Port)))
	}
	for _, ip := range entry.AddrIPv6 {
		info.Addresses = append(info.Addresses, net.JoinHostPort(ip.String(), fmt.Sprint(entry.Port)))
	}
	return info
}

func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[a] = true
	}
	for _, a := range add {
		if !seen[a] {
			existing = append(existing, a)
			seen[a] = true
		}
	}
	return existing
}
