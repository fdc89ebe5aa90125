package proto

import "bytes"

// All payload structs below are fixed-size, packed, little-endian. They are
// serialized directly with encoding/binary, so every field is either a fixed
// scalar, a fixed array, or another packed struct. Blank fields are reserved
// bytes carried on the wire.

// NetworkError codes surfaced to clients via NetworkErrorMessage.
type NetworkError int32

const (
	ErrorNone NetworkError = iota
	ErrorPortUnreachable
	ErrorTooManyPlayers
	ErrorVersionTooLow
	ErrorVersionTooHigh
	ErrorConnectFailure
	ErrorConnectNotFound
	ErrorConnectTimeout
	ErrorConnectRejected
	ErrorRejectFailed

	ErrorUnknown NetworkError = -1
)

// DisconnectReason values carried by RejectRequest and ProxyDisconnectMessage.
type DisconnectReason uint32

const (
	DisconnectReasonNone DisconnectReason = iota
	DisconnectReasonDisconnectedByUser
	DisconnectReasonDisconnectedBySystem
	DisconnectReasonDestroyedByUser
	DisconnectReasonDestroyedBySystem
	DisconnectReasonRejected
	DisconnectReasonSignalLost
)

// Scan filter flags. Each flag enables comparison of the corresponding field.
const (
	ScanFilterFlagLocalCommunicationId uint32 = 1 << iota
	ScanFilterFlagSessionId
	ScanFilterFlagNetworkType
	ScanFilterFlagMacAddress
	ScanFilterFlagSsid
	ScanFilterFlagSceneId
)

// Address families as transmitted by clients (Win32/.NET values).
const (
	AddressFamilyIPv4 int32 = 2
	AddressFamilyIPv6 int32 = 23
)

// AcceptPolicyDeny closes a network to new stations.
const AcceptPolicyDeny = 1

// AdvertiseDataSizeMax is the fixed capacity of the advertise blob.
const AdvertiseDataSizeMax = 0x180

// NodeCountMax is the node table capacity of every network.
const NodeCountMax = 8

type IntentId struct { // 0x10
	LocalCommunicationId uint64
	_                    uint16
	SceneId              uint16
	_                    uint32
}

type NetworkId struct { // 0x20
	IntentId  IntentId
	SessionId [16]byte
}

type Ssid struct { // 0x22
	Length byte
	Name   [33]byte
}

type CommonNetworkInfo struct { // 0x30
	MacAddress  [6]byte
	Ssid        Ssid
	Channel     uint16
	LinkLevel   byte
	NetworkType byte
	_           uint32
}

// NodeInfo is one member's slot in the node table. NodeId is the stable slot
// index for the node's whole membership; cleared slots keep their position.
type NodeInfo struct { // 0x40
	Ipv4Address               uint32
	MacAddress                [6]byte
	NodeId                    byte
	IsConnected               byte
	UserName                  [33]byte
	_                         byte
	LocalCommunicationVersion uint16
	_                         [16]byte
}

type LdnNetworkInfo struct { // 0x430
	SecurityParameter   [16]byte
	SecurityMode        uint16
	StationAcceptPolicy byte
	_                   byte
	_                   uint16
	NodeCountMax        byte
	NodeCount           byte
	Nodes               [NodeCountMax]NodeInfo
	_                   uint16
	AdvertiseDataSize   uint16
	AdvertiseData       [AdvertiseDataSizeMax]byte
	_                   [140]byte
	AuthenticationId    uint64
}

// NetworkInfo is the full broadcastable state of one hosted network.
type NetworkInfo struct { // 0x480
	NetworkId NetworkId
	Common    CommonNetworkInfo
	Ldn       LdnNetworkInfo
}

type SecurityConfig struct { // 0x44
	SecurityMode   uint16
	PassphraseSize uint16
	Passphrase     [64]byte
}

type SecurityParameter struct { // 0x20
	Data      [16]byte
	SessionId [16]byte
}

type UserConfig struct { // 0x30
	UserName [33]byte
	_        [15]byte
}

type NetworkConfig struct { // 0x20
	IntentId                  IntentId
	Channel                   uint16
	NodeCountMax              byte
	_                         byte
	LocalCommunicationVersion uint16
	_                         [10]byte
}

// RyuNetworkConfig carries the emulator-side extras: game version string and
// the host's external/private relay endpoints for P2P mode.
type RyuNetworkConfig struct { // 0x28
	GameVersion       [16]byte
	PrivateIp         [16]byte
	AddressFamily     int32
	ExternalProxyPort uint16
	InternalProxyPort uint16
}

type AddressEntry struct { // 0xC
	Ipv4Address uint32
	MacAddress  [6]byte
	_           uint16
}

// AddressList is a static reservation table for the virtual DHCP. A zero
// Ipv4Address entry terminates the list.
type AddressList struct { // 0x60
	Addresses [8]AddressEntry
}

type InitializeMessage struct { // 0x16
	Id         [16]byte
	MacAddress [6]byte
}

type PassphraseMessage struct { // 0x80
	Passphrase [128]byte
}

// CreateAccessPointRequest is followed by the advertise data blob (the
// remaining payload bytes).
type CreateAccessPointRequest struct { // 0xBC
	SecurityConfig   SecurityConfig
	UserConfig       UserConfig
	NetworkConfig    NetworkConfig
	RyuNetworkConfig RyuNetworkConfig
}

// CreateAccessPointPrivateRequest is followed by the advertise data blob.
type CreateAccessPointPrivateRequest struct { // 0x13C
	SecurityConfig    SecurityConfig
	SecurityParameter SecurityParameter
	UserConfig        UserConfig
	NetworkConfig     NetworkConfig
	RyuNetworkConfig  RyuNetworkConfig
	AddressList       AddressList
}

type ConnectRequest struct { // 0x4FC
	SecurityConfig            SecurityConfig
	UserConfig                UserConfig
	LocalCommunicationVersion uint32
	OptionUnknown             uint32
	NetworkInfo               NetworkInfo
}

type ConnectPrivateRequest struct { // 0x9C
	SecurityConfig            SecurityConfig
	SecurityParameter         SecurityParameter
	UserConfig                UserConfig
	LocalCommunicationVersion uint32
	OptionUnknown             uint32
}

type ScanFilter struct { // 0x60
	NetworkId   NetworkId
	NetworkType uint32
	MacAddress  [6]byte
	Ssid        Ssid
	_           [16]byte
	Flag        uint32
}

type RejectRequest struct { // 0x8
	NodeId           uint32
	DisconnectReason DisconnectReason
}

type SetAcceptPolicyRequest struct { // 0x1
	StationAcceptPolicy byte
}

type DisconnectMessage struct { // 0x4
	DisconnectIP uint32
}

type NetworkErrorMessage struct { // 0x4
	Error NetworkError
}

type PingMessage struct { // 0x2
	Requester byte
	Id        byte
}

// ProxyInfo is included in all proxied communication.
type ProxyInfo struct { // 0x10
	SourceIpV4 uint32
	SourcePort uint16
	DestIpV4   uint32
	DestPort   uint16
	Protocol   int32
}

// ProxyConfig tells a master-relay client its virtual address and subnet.
type ProxyConfig struct { // 0x8
	ProxyIp         uint32
	ProxySubnetMask uint32
}

type ProxyConnectRequest struct { // 0x10
	Info ProxyInfo
}

type ProxyConnectResponse struct { // 0x10
	Info ProxyInfo
}

// ProxyDataHeader is followed by DataLength bytes of relayed payload.
type ProxyDataHeader struct { // 0x14
	Info       ProxyInfo
	DataLength uint32
}

type ProxyDisconnectMessage struct { // 0x14
	Info             ProxyInfo
	DisconnectReason uint32
}

// ExternalProxyConfig is the introduction sent to a joiner in P2P mode.
type ExternalProxyConfig struct { // 0x26
	ProxyIp       [16]byte
	AddressFamily int32
	ProxyPort     uint16
	Token         [16]byte
}

// ExternalProxyToken is the matching introduction sent to the proxy host.
type ExternalProxyToken struct { // 0x28
	VirtualIp     uint32
	Token         [16]byte
	PhysicalIp    [16]byte
	AddressFamily int32
}

type ExternalProxyConnectionState struct { // 0x8
	IpAddress uint32
	Connected byte
	_         [3]byte
}

// StringFromBytes reads a NUL-terminated UTF-8 string from a fixed buffer.
func StringFromBytes(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// StringToBytes writes s into a fixed buffer, truncating and NUL-padding.
func StringToBytes(s string, b []byte) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}
