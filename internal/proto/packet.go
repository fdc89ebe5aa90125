// Package proto implements the LDN master-server wire protocol: a fixed
// 12-byte header followed by a packed little-endian payload whose layout is
// selected by the packet id.
package proto

// Framing constants. Magic and Version must match between client and server
// generations; a mismatch is fatal for the connection.
const (
	Magic   uint32 = 0x4E444C52 // "RLDN"
	Version byte   = 1

	// HeaderSize is the fixed header size:
	// Magic(4) + Type(1) + Version(1) + reserved(2) + DataSize(4).
	HeaderSize = 12

	// MaxPayloadSize bounds DataSize. The largest legitimate frame is a
	// ConnectRequest (0x4FC); proxied game data stays well under this.
	MaxPayloadSize = 0x2000
)

// PacketId selects the payload layout of a frame.
type PacketId byte

const (
	PacketInitialize PacketId = iota
	PacketPassphrase
	PacketCreateAccessPoint
	PacketCreateAccessPointPrivate
	PacketExternalProxy
	PacketExternalProxyToken
	PacketExternalProxyState
	PacketSyncNetwork
	PacketReject
	PacketRejectReply
	PacketScan
	PacketScanReply
	PacketScanReplyEnd
	PacketConnect
	PacketConnectPrivate
	PacketConnected
	PacketDisconnect
	PacketProxyConfig
	PacketProxyConnect
	PacketProxyConnectReply
	PacketProxyData
	PacketProxyDisconnect
	PacketSetAcceptPolicy
	PacketSetAdvertiseData

	PacketPing         PacketId = 254
	PacketNetworkError PacketId = 255
)

func (id PacketId) String() string {
	switch id {
	case PacketInitialize:
		return "Initialize"
	case PacketPassphrase:
		return "Passphrase"
	case PacketCreateAccessPoint:
		return "CreateAccessPoint"
	case PacketCreateAccessPointPrivate:
		return "CreateAccessPointPrivate"
	case PacketExternalProxy:
		return "ExternalProxy"
	case PacketExternalProxyToken:
		return "ExternalProxyToken"
	case PacketExternalProxyState:
		return "ExternalProxyState"
	case PacketSyncNetwork:
		return "SyncNetwork"
	case PacketReject:
		return "Reject"
	case PacketRejectReply:
		return "RejectReply"
	case PacketScan:
		return "Scan"
	case PacketScanReply:
		return "ScanReply"
	case PacketScanReplyEnd:
		return "ScanReplyEnd"
	case PacketConnect:
		return "Connect"
	case PacketConnectPrivate:
		return "ConnectPrivate"
	case PacketConnected:
		return "Connected"
	case PacketDisconnect:
		return "Disconnect"
	case PacketProxyConfig:
		return "ProxyConfig"
	case PacketProxyConnect:
		return "ProxyConnect"
	case PacketProxyConnectReply:
		return "ProxyConnectReply"
	case PacketProxyData:
		return "ProxyData"
	case PacketProxyDisconnect:
		return "ProxyDisconnect"
	case PacketSetAcceptPolicy:
		return "SetAcceptPolicy"
	case PacketSetAdvertiseData:
		return "SetAdvertiseData"
	case PacketPing:
		return "Ping"
	case PacketNetworkError:
		return "NetworkError"
	}
	return "Unknown"
}

// Header is the fixed frame prefix. The two reserved bytes are alignment
// padding carried on the wire.
type Header struct {
	Magic    uint32
	Type     byte
	Version  byte
	_        [2]byte
	DataSize int32
}
