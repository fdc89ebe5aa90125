package ldn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/lanwarp/lanwarp/internal/proto"
	"github.com/lanwarp/lanwarp/internal/util"
)

// Virtual network handed to every room: 10.114.0.0/16.
const (
	networkBaseAddress uint32 = 0x0A720000
	networkSubnetMask  uint32 = 0xFFFF0000
)

// Clients address LAN broadcasts to 192.168.0.255 regardless of the subnet
// they were actually leased into; the router maps it to the room broadcast.
const broadcastSentinel uint32 = 0xC0A800FF

// Room is one hosted network: the broadcastable NetworkInfo, the live member
// list, ownership, the per-room DHCP allocator and the proxy relay routing.
//
// A single mutex serializes every mutation and snapshot read. Broadcasts are
// sent while the lock is held so members always observe NetworkInfo updates
// in mutation order; sends are fire-and-forget, keeping hold times bounded.
type Room struct {
	id      string
	ownerId string

	mu      sync.Mutex
	info    proto.NetworkInfo
	players []*Session
	owner   *Session
	closed  bool

	passphrase  string
	gameVersion string

	isP2P          bool
	externalConfig proto.ExternalProxyConfig
	privateConfig  proto.ExternalProxyConfig

	dhcp *Dhcp
}

func NewRoom(id string, info proto.NetworkInfo, dhcpConfig proto.AddressList, ownerId string) *Room {
	return &Room{
		id:      id,
		ownerId: ownerId,
		info:    info,
		dhcp:    NewDhcp(networkBaseAddress, networkSubnetMask, dhcpConfig),
	}
}

func (r *Room) Id() string { return r.id }

// OwnerId is the stable identity of the creating session, fixed at creation.
// The registry compares it when the same identifier is recreated.
func (r *Room) OwnerId() string { return r.ownerId }

func (r *Room) Owner() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

func (r *Room) Passphrase() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passphrase
}

func (r *Room) GameVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameVersion
}

func (r *Room) IsP2P() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isP2P
}

func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Snapshot returns a full copy of the current NetworkInfo. The room never
// leaks a live reference to its info.
func (r *Room) Snapshot() proto.NetworkInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// RoomStatus is the read-only view consumed by the stats subsystem.
type RoomStatus struct {
	Id          string
	Info        proto.NetworkInfo
	Passphrase  string
	GameVersion string
	IsP2P       bool
	PlayerCount int
}

// TryStatus returns the analytics view without waiting: if the room lock is
// busy the caller is expected to skip this room for the cycle.
func (r *Room) TryStatus() (RoomStatus, bool) {
	if !r.mu.TryLock() {
		return RoomStatus{}, false
	}
	defer r.mu.Unlock()

	return RoomStatus{
		Id:          r.id,
		Info:        r.info,
		Passphrase:  r.passphrase,
		GameVersion: r.gameVersion,
		IsP2P:       r.isP2P,
		PlayerCount: len(r.players),
	}, true
}

// SetOwner records the creating session, its passphrase and game version.
// A non-zero external relay port marks the room P2P-capable and derives the
// two proxy introduction configs: one for peers behind the owner's public
// address, one for everyone else.
func (r *Room) SetOwner(session *Session, request proto.RyuNetworkConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.owner = session
	r.passphrase = session.Passphrase()
	r.gameVersion = proto.StringFromBytes(request.GameVersion[:])

	if request.ExternalProxyPort != 0 {
		r.isP2P = true

		addr, family := session.realAddrBytes()

		r.externalConfig = proto.ExternalProxyConfig{
			ProxyIp:       addr,
			AddressFamily: family,
			ProxyPort:     request.ExternalProxyPort,
		}
		r.privateConfig = proto.ExternalProxyConfig{
			ProxyIp:       request.PrivateIp,
			AddressFamily: request.AddressFamily,
			ProxyPort:     request.InternalProxyPort,
		}
	}
}

// Connect admits a session into the room. It fails (with no state mutated)
// when the room is closed or full. On success the joiner holds a fresh DHCP
// lease, occupies the first free slot, everyone has been sent the updated
// NetworkInfo, and the joiner has received Connected.
func (r *Room) Connect(session *Session, node proto.NodeInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.info.Ldn.NodeCount >= r.info.Ldn.NodeCountMax {
		return false
	}

	slot := r.locateEmptySlot()
	if slot < 0 {
		return false
	}

	ip := r.dhcp.RequestAddress(session.MacAddress())
	session.setVirtualIPv4(ip, networkSubnetMask, !r.isP2P)

	node.Ipv4Address = ip
	node.NodeId = byte(slot)
	node.IsConnected = 1

	r.info.Ldn.NodeCount++
	r.info.Ldn.Nodes[slot] = node
	session.nodeId = slot

	if r.isP2P {
		r.introduceExternalProxyLocked(session)
	}

	r.broadcastSyncLocked()

	session.game.Store(r)
	r.players = append(r.players, session)

	session.send(proto.EncodeMessage(proto.PacketConnected, &r.info))

	return true
}

// introduceExternalProxyLocked performs the P2P introduction handshake: the
// owner learns about the joiner (token + real address, unless the joiner
// shares the owner's public address), and the joiner learns the proxy
// endpoint plus the same token.
func (r *Room) introduceExternalProxyLocked(session *Session) {
	addr, family := session.realAddrBytes()
	samePublic := family == r.externalConfig.AddressFamily && addr == r.externalConfig.ProxyIp

	token := [16]byte(uuid.New())

	tokenMsg := proto.ExternalProxyToken{
		VirtualIp:     session.VirtualIPv4(),
		Token:         token,
		AddressFamily: family,
	}
	if !samePublic {
		tokenMsg.PhysicalIp = addr
	}

	if r.owner != nil {
		r.owner.send(proto.EncodeMessage(proto.PacketExternalProxyToken, &tokenMsg))
	}

	config := r.externalConfig
	if samePublic {
		config = r.privateConfig
	}
	config.Token = token

	session.send(proto.EncodeMessage(proto.PacketExternalProxy, &config))
}

// Disconnect removes one member. When the departing session owned the room,
// closing the whole room is the caller's responsibility.
func (r *Room) Disconnect(session *Session, expected bool) {
	if session == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(session, expected)
}

func (r *Room) disconnectLocked(session *Session, expected bool) {
	found := false
	for i, p := range r.players {
		if p == session {
			r.players = append(r.players[:i], r.players[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return
	}

	session.game.Store(nil)

	// In P2P mode the owner's relay has to tear down the direct link, unless
	// it already knows (it reported the loss itself).
	if r.isP2P && !expected && r.owner != nil {
		r.owner.send(proto.EncodeMessage(proto.PacketExternalProxyState, &proto.ExternalProxyConnectionState{
			IpAddress: session.VirtualIPv4(),
			Connected: 0,
		}))
	}

	r.dhcp.ReleaseAddress(session.VirtualIPv4())
	r.clearSlotLocked(session.VirtualIPv4())
	r.broadcastSyncLocked()
}

// clearSlotLocked marks the member's slot as vacant. Slots are never
// compacted: a node's index identifies it for the room's whole lifetime.
func (r *Room) clearSlotLocked(ip uint32) {
	for i := range r.info.Ldn.Nodes {
		node := &r.info.Ldn.Nodes[i]
		if node.IsConnected != 0 && node.Ipv4Address == ip {
			node.IsConnected = 0
			r.info.Ldn.NodeCount--
		}
	}
}

func (r *Room) locateEmptySlot() int {
	for i := range r.info.Ldn.Nodes {
		if r.info.Ldn.Nodes[i].IsConnected == 0 {
			return i
		}
	}
	return -1
}

// HandleReject processes an owner's request to remove the member at a slot
// index. The rejected member is told it was disconnected before removal.
// The sender always receives RejectReply, preceded by RejectFailed when the
// target is invalid or the sender does not own the room.
func (r *Room) HandleReject(sender *Session, reject proto.RejectRequest) {
	r.mu.Lock()

	if sender != r.owner || int(reject.NodeId) >= len(r.players) {
		r.mu.Unlock()
		sender.send(proto.EncodeMessage(proto.PacketNetworkError, &proto.NetworkErrorMessage{Error: proto.ErrorRejectFailed}))
		sender.send(proto.Encode(proto.PacketRejectReply))
		return
	}

	var target *Session
	for _, p := range r.players {
		if p.nodeId == int(reject.NodeId) {
			target = p
			break
		}
	}

	if target == nil {
		r.mu.Unlock()
		sender.send(proto.EncodeMessage(proto.PacketNetworkError, &proto.NetworkErrorMessage{Error: proto.ErrorRejectFailed}))
		sender.send(proto.Encode(proto.PacketRejectReply))
		return
	}

	target.send(proto.EncodeMessage(proto.PacketDisconnect, &proto.DisconnectMessage{}))
	r.disconnectLocked(target, false)
	r.mu.Unlock()

	sender.send(proto.Encode(proto.PacketRejectReply))
}

// HandleSetAcceptPolicy mutates the station accept policy. Owner-only.
func (r *Room) HandleSetAcceptPolicy(sender *Session, policy proto.SetAcceptPolicyRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sender != r.owner {
		return
	}

	r.info.Ldn.StationAcceptPolicy = policy.StationAcceptPolicy
	r.broadcastSyncLocked()
}

// HandleSetAdvertiseData replaces the advertise blob, padded or truncated to
// its fixed capacity. Owner-only.
func (r *Room) HandleSetAdvertiseData(sender *Session, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sender != r.owner {
		return
	}

	if len(data) > proto.AdvertiseDataSizeMax {
		data = data[:proto.AdvertiseDataSizeMax]
	}

	r.info.Ldn.AdvertiseDataSize = uint16(len(data))
	copy(r.info.Ldn.AdvertiseData[:], data)
	for i := len(data); i < proto.AdvertiseDataSizeMax; i++ {
		r.info.Ldn.AdvertiseData[i] = 0
	}

	r.broadcastSyncLocked()
}

// HandleExternalProxyState lets the owner's relay report a peer it can no
// longer reach. The peer is notified and removed as an expected disconnect
// so the owner is not notified back.
func (r *Room) HandleExternalProxyState(sender *Session, state proto.ExternalProxyConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sender != r.owner {
		return
	}

	for _, p := range r.players {
		if p.VirtualIPv4() == state.IpAddress {
			if state.Connected == 0 {
				p.send(proto.EncodeMessage(proto.PacketDisconnect, &proto.DisconnectMessage{}))
				r.disconnectLocked(p, true)
			}
			return
		}
	}
}

// routeMessage is the relay primitive for all Proxy* traffic. The sender
// cannot spoof its source address: an unspecified source is stamped with the
// sender's virtual address and anything else that doesn't match is dropped.
// The broadcast sentinel (and the subnet broadcast address) delivers to
// every current member, sender included; otherwise the single member with
// the destination address receives it, if any.
func (r *Room) routeMessage(sender *Session, info *proto.ProxyInfo, deliver func(*Session)) {
	if info.SourceIpV4 == 0 {
		info.SourceIpV4 = sender.VirtualIPv4()
	} else if info.SourceIpV4 != sender.VirtualIPv4() {
		// Can't pretend to be somebody else.
		return
	}

	destIp := info.DestIpV4
	if destIp == broadcastSentinel {
		destIp = r.dhcp.BroadcastAddress()
	}
	isBroadcast := destIp == r.dhcp.BroadcastAddress()

	r.mu.Lock()
	players := make([]*Session, len(r.players))
	copy(players, r.players)
	r.mu.Unlock()

	if isBroadcast {
		for _, p := range players {
			deliver(p)
		}
		return
	}

	for _, p := range players {
		if p.VirtualIPv4() == destIp {
			deliver(p)
			return
		}
	}
}

func (r *Room) HandleProxyConnect(sender *Session, message proto.ProxyConnectRequest) {
	r.routeMessage(sender, &message.Info, func(target *Session) {
		target.send(proto.EncodeMessage(proto.PacketProxyConnect, &message))
	})
}

func (r *Room) HandleProxyConnectReply(sender *Session, message proto.ProxyConnectResponse) {
	r.routeMessage(sender, &message.Info, func(target *Session) {
		target.send(proto.EncodeMessage(proto.PacketProxyConnectReply, &message))
	})
}

func (r *Room) HandleProxyData(sender *Session, message proto.ProxyDataHeader, data []byte) {
	r.routeMessage(sender, &message.Info, func(target *Session) {
		target.send(proto.EncodeWithData(proto.PacketProxyData, &message, data))
	})
}

func (r *Room) HandleProxyDisconnect(sender *Session, message proto.ProxyDisconnectMessage) {
	r.routeMessage(sender, &message.Info, func(target *Session) {
		target.send(proto.EncodeMessage(proto.PacketProxyDisconnect, &message))
	})
}

// Close marks the room permanently closed and tells every member it was
// disconnected. Idempotent; a closed room rejects all further Connects.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	util.LogInfo("Closing room %s", r.id)

	buf := proto.EncodeMessage(proto.PacketDisconnect, &proto.DisconnectMessage{})
	for _, p := range r.players {
		p.send(buf)
	}
}

func (r *Room) broadcastSyncLocked() {
	buf := proto.EncodeMessage(proto.PacketSyncNetwork, &r.info)
	for _, p := range r.players {
		p.send(buf)
	}
}
