// Package discovery watches the local network for UPnP devices and
// announces the bridge itself.
//
// # Device Discovery (SSDP)
//
// Monitor listens for ssdp:alive and ssdp:byebye notifications and issues
// M-SEARCH requests. Raw messages are classified per device:
//
//   - first sighting of a USN: Found
//   - alive again at the same location: Available
//   - alive at a different location: Update
//   - byebye, or max-age expiry without renewal: Unavailable
//
// A USN is reduced to its device part, so uuid:X::upnp:rootdevice and
// uuid:X::urn:schemas-upnp-org:service:AVTransport:1 both map to uuid:X.
//
// # Bridge Announcement (DNS-SD)
//
// Announcer registers the bridge as _upnp-bridge._tcp so operators and
// other bridges can find it. TXT records carry the broker kind, the topic
// prefix and the instance id. BrowseBridges lists other bridges on the
// network; two bridges with the same prefix would publish every event
// twice.
package discovery
