package ldn

import (
	"sync"

	"github.com/lanwarp/lanwarp/internal/proto"
)

// Dhcp hands out virtual IPv4 addresses within one room's subnet. Addresses
// cycle forward through the subnet so recently freed addresses are not
// immediately reused. A room created with a reservation list always returns
// the reserved address for a matching MAC, without touching the cycling pool.
type Dhcp struct {
	mu sync.Mutex

	next     uint32
	taken    map[uint32]struct{}
	reserved map[uint32]struct{}
	config   proto.AddressList

	base    uint32
	invMask uint32

	hasReserved bool
}

func NewDhcp(baseAddress, subnetMask uint32, config proto.AddressList) *Dhcp {
	d := &Dhcp{
		next:     baseAddress + 1,
		taken:    make(map[uint32]struct{}),
		reserved: make(map[uint32]struct{}),
		config:   config,
		base:     baseAddress,
		invMask:  ^subnetMask,
	}

	for i := range config.Addresses {
		entry := &config.Addresses[i]
		if entry.Ipv4Address == 0 {
			break // end of list
		}
		d.taken[entry.Ipv4Address] = struct{}{}
		d.reserved[entry.Ipv4Address] = struct{}{}
		d.hasReserved = true
	}

	return d
}

// BroadcastAddress returns the subnet's broadcast address.
func (d *Dhcp) BroadcastAddress() uint32 {
	return d.base | d.invMask
}

// RequestAddress leases an address for the given MAC. A reserved address is
// returned as-is, any number of times; otherwise the next free address in
// the cycle is leased.
func (d *Dhcp) RequestAddress(mac [6]byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasReserved {
		if ip := d.reservedLookup(mac); ip != 0 {
			return ip
		}
	}

	for {
		if _, ok := d.taken[d.next]; !ok {
			break
		}
		d.cycleNext()
	}

	result := d.next
	d.taken[result] = struct{}{}
	d.cycleNext()

	return result
}

// ReleaseAddress returns a leased address to the pool. Reserved addresses
// stay taken so the cycling allocator can never hand them out.
func (d *Dhcp) ReleaseAddress(ip uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.reserved[ip]; !ok {
		delete(d.taken, ip)
	}
}

func (d *Dhcp) reservedLookup(mac [6]byte) uint32 {
	for i := range d.config.Addresses {
		entry := &d.config.Addresses[i]
		if entry.Ipv4Address == 0 {
			break // end of list
		}
		if entry.MacAddress == mac {
			return entry.Ipv4Address
		}
	}
	return 0
}

// cycleNext advances the candidate pointer, skipping the network address and
// the broadcast address.
func (d *Dhcp) cycleNext() {
	for {
		d.next = d.base | ((d.next + 1) & d.invMask)
		if d.next != d.base && d.next != d.base|d.invMask {
			return
		}
	}
}
