package ldn

import (
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lanwarp/lanwarp/internal/proto"
	"github.com/lanwarp/lanwarp/internal/util"
)

const (
	// externalProxyTimeout bounds the reachability probe of a host's relay port.
	externalProxyTimeout = 2 * time.Second

	// sendQueueSize is the per-session outbound queue. Sends are best-effort:
	// a queue that stays full means a dead or hopeless connection, and frames
	// to it are dropped.
	sendQueueSize = 128

	writeTimeout = 10 * time.Second
)

var passphrasePattern = regexp.MustCompile(`^Ryujinx-[0-9a-f]{8}$`)

// Session owns one client TCP connection: its persistent MAC, virtual IP,
// passphrase, initialization state and room membership. Inbound frames are
// decoded and dispatched on the connection's read goroutine; outbound frames
// go through a buffered queue drained by a writer goroutine.
type Session struct {
	server *Server
	conn   net.Conn
	id     uuid.UUID

	sendCh chan []byte
	closed chan struct{}
	once   sync.Once

	// mu is the connection lock: it makes "create a room" and "this
	// connection just died" mutually exclusive, so a room is never owned by
	// a session that already disconnected.
	mu           sync.Mutex
	disconnected bool

	game atomic.Pointer[Room]

	// nodeId is the slot index within the joined room. Guarded by that
	// room's lock.
	nodeId int

	mac        [6]byte
	virtualIP  uint32
	passphrase atomic.Pointer[string]

	initialized atomic.Bool

	lastMessage atomic.Int64 // unix nanos of the last inbound frame
	waitingPing atomic.Int32 // outstanding unsolicited ping id, -1 when none
	pingId      atomic.Uint32
}

func newSession(server *Server, conn net.Conn) *Session {
	s := &Session{
		server: server,
		conn:   conn,
		id:     uuid.New(),
		sendCh: make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}

	// A throwaway MAC until Initialize installs the persistent one.
	seed := uuid.New()
	copy(s.mac[:], seed[:6])

	empty := ""
	s.passphrase.Store(&empty)
	s.waitingPing.Store(-1)
	s.lastMessage.Store(time.Now().UnixNano())

	return s
}

// StringId is the session's canonical identity: 32 lowercase hex chars.
func (s *Session) StringId() string {
	return hex.EncodeToString(s.id[:])
}

func (s *Session) MacAddress() [6]byte { return s.mac }

func (s *Session) VirtualIPv4() uint32 { return s.virtualIP }

func (s *Session) Passphrase() string { return *s.passphrase.Load() }

// run drives the connection: a writer goroutine plus the inbound read loop.
// Any decode error, handler error or panic tears down this connection only.
func (s *Session) run() {
	defer s.teardown()

	go s.writeLoop()

	util.LogInfo("LDN session %s connected (%s)", s.StringId(), s.remoteHost())

	dec := proto.NewDecoder(s.dispatch)
	buf := make([]byte, 4096)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if derr := s.feed(dec, buf[:n]); derr != nil {
				util.LogWarning("Closing session %s: %v", s.StringId(), derr)
				return
			}
			s.lastMessage.Store(time.Now().UnixNano())
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) feed(dec *proto.Decoder, chunk []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return dec.Read(chunk)
}

func (s *Session) writeLoop() {
	for {
		select {
		case buf := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := s.conn.Write(buf); err != nil {
				s.disconnect()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// send queues an outbound frame without blocking. Frames to a session whose
// queue is full (or that is closing) are dropped; relayed traffic is
// best-effort by contract.
func (s *Session) send(buf []byte) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.sendCh <- buf:
	default:
	}
}

// disconnect closes the transport; the read loop then runs teardown.
func (s *Session) disconnect() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// teardown detaches the session from its room before the connection object
// is discarded. Owning sessions take their whole room down. The connection
// lock makes this atomic with respect to room creation on this session.
func (s *Session) teardown() {
	s.disconnect()

	s.mu.Lock()
	s.disconnected = true
	s.detachLocked()
	s.mu.Unlock()

	s.server.removeSession(s)

	util.LogInfo("LDN session %s disconnected (%s)", s.StringId(), s.remoteHost())
}

func (s *Session) detachLocked() {
	game := s.game.Load()
	if game == nil {
		return
	}

	game.Disconnect(s, false)

	if game.Owner() == s {
		s.server.Registry().CloseRoom(game.Id())
	}
}

// sweep is called by the server's liveness loop. A session with an
// unanswered ping is forcibly disconnected; one quiet for longer than the
// ping interval is sent an unsolicited ping.
func (s *Session) sweep(interval time.Duration) {
	if s.waitingPing.Load() != -1 {
		util.LogInfo("Closing session %s due to idle", s.StringId())
		s.disconnect()
		return
	}

	idle := time.Since(time.Unix(0, s.lastMessage.Load()))
	if idle > interval {
		id := byte(s.pingId.Add(1))
		s.waitingPing.Store(int32(id))
		s.send(proto.EncodeMessage(proto.PacketPing, &proto.PingMessage{Requester: 0, Id: id}))
	}
}

// dispatch decodes one frame into its typed payload and runs the handler.
// Unknown packet ids are a protocol error for this connection.
func (s *Session) dispatch(hdr proto.Header, payload []byte) error {
	util.LogDebug("(%s) -> %s", s.remoteHost(), proto.PacketId(hdr.Type))

	switch proto.PacketId(hdr.Type) {
	case proto.PacketInitialize:
		var msg proto.InitializeMessage
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return err
		}
		s.handleInitialize(msg)

	case proto.PacketPassphrase:
		var msg proto.PassphraseMessage
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return err
		}
		s.handlePassphrase(msg)

	case proto.PacketCreateAccessPoint:
		var req proto.CreateAccessPointRequest
		advertiseData, err := proto.UnmarshalWithData(payload, &req)
		if err != nil {
			return err
		}
		s.handleCreateAccessPoint(req, advertiseData)

	case proto.PacketCreateAccessPointPrivate:
		var req proto.CreateAccessPointPrivateRequest
		advertiseData, err := proto.UnmarshalWithData(payload, &req)
		if err != nil {
			return err
		}
		s.handleCreateAccessPointPrivate(req, advertiseData)

	case proto.PacketScan:
		var filter proto.ScanFilter
		if err := proto.Unmarshal(payload, &filter); err != nil {
			return err
		}
		s.handleScan(filter)

	case proto.PacketConnect:
		var req proto.ConnectRequest
		if err := proto.Unmarshal(payload, &req); err != nil {
			return err
		}
		s.handleConnect(req)

	case proto.PacketConnectPrivate:
		var req proto.ConnectPrivateRequest
		if err := proto.Unmarshal(payload, &req); err != nil {
			return err
		}
		s.handleConnectPrivate(req)

	case proto.PacketDisconnect:
		var msg proto.DisconnectMessage
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return err
		}
		s.handleDisconnect()

	case proto.PacketReject:
		var req proto.RejectRequest
		if err := proto.Unmarshal(payload, &req); err != nil {
			return err
		}
		if game := s.game.Load(); game != nil {
			game.HandleReject(s, req)
		}

	case proto.PacketSetAcceptPolicy:
		var req proto.SetAcceptPolicyRequest
		if err := proto.Unmarshal(payload, &req); err != nil {
			return err
		}
		if game := s.game.Load(); game != nil {
			game.HandleSetAcceptPolicy(s, req)
		}

	case proto.PacketSetAdvertiseData:
		if game := s.game.Load(); game != nil {
			game.HandleSetAdvertiseData(s, payload)
		}

	case proto.PacketExternalProxyState:
		var state proto.ExternalProxyConnectionState
		if err := proto.Unmarshal(payload, &state); err != nil {
			return err
		}
		if game := s.game.Load(); game != nil {
			game.HandleExternalProxyState(s, state)
		}

	case proto.PacketProxyConnect:
		var msg proto.ProxyConnectRequest
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return err
		}
		if game := s.game.Load(); game != nil {
			game.HandleProxyConnect(s, msg)
		}

	case proto.PacketProxyConnectReply:
		var msg proto.ProxyConnectResponse
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return err
		}
		if game := s.game.Load(); game != nil {
			game.HandleProxyConnectReply(s, msg)
		}

	case proto.PacketProxyData:
		var msg proto.ProxyDataHeader
		data, err := proto.UnmarshalWithData(payload, &msg)
		if err != nil {
			return err
		}
		if game := s.game.Load(); game != nil {
			game.HandleProxyData(s, msg, data)
		}

	case proto.PacketProxyDisconnect:
		var msg proto.ProxyDisconnectMessage
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return err
		}
		if game := s.game.Load(); game != nil {
			game.HandleProxyDisconnect(s, msg)
		}

	case proto.PacketPing:
		var msg proto.PingMessage
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return err
		}
		s.handlePing(msg)

	default:
		return fmt.Errorf("unknown packet id %d", hdr.Type)
	}

	return nil
}

// handleInitialize is accepted once per connection and ignored thereafter.
// It installs the client's persistent MAC and echoes the canonical identity.
func (s *Session) handleInitialize(msg proto.InitializeMessage) {
	if s.initialized.Load() {
		return
	}

	// Lower-cased to match the canonical StringId form entries are stored
	// under; a case mismatch here would mint a fresh MAC on every reconnect.
	oldId := strings.ToLower(hex.EncodeToString(msg.Id[:]))
	s.mac = s.server.Macs().TryFind(oldId, msg.MacAddress, s.StringId())

	var reply proto.InitializeMessage
	reply.Id = [16]byte(s.id)
	reply.MacAddress = s.mac
	s.send(proto.EncodeMessage(proto.PacketInitialize, &reply))

	s.initialized.Store(true)
}

// handlePassphrase accepts the empty string or exactly "Ryujinx-" plus eight
// lowercase hex chars; anything else clears the passphrase.
func (s *Session) handlePassphrase(msg proto.PassphraseMessage) {
	passphrase := proto.StringFromBytes(msg.Passphrase[:])
	if passphrase != "" && !passphrasePattern.MatchString(passphrase) {
		passphrase = ""
	}
	s.passphrase.Store(&passphrase)
}

func (s *Session) handleDisconnect() {
	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()
}

func (s *Session) handlePing(msg proto.PingMessage) {
	if msg.Requester == 0 && int32(msg.Id) == s.waitingPing.Load() {
		// The client answered; the timer was already reset by the message.
		s.waitingPing.Store(-1)
	}
}

func (s *Session) handleCreateAccessPoint(req proto.CreateAccessPointRequest, advertiseData []byte) {
	if s.game.Load() != nil || !s.initialized.Load() {
		s.sendError(proto.ErrorUnknown)
		return
	}

	// Public rooms get a random identifier; it travels to other clients as
	// the session id inside NetworkInfo.
	roomId := uuid.New()
	id := hex.EncodeToString(roomId[:])

	s.createRoom(id, req.NetworkConfig, req.UserConfig, req.RyuNetworkConfig, req.SecurityConfig, proto.AddressList{}, advertiseData)
}

func (s *Session) handleCreateAccessPointPrivate(req proto.CreateAccessPointPrivateRequest, advertiseData []byte) {
	if s.game.Load() != nil || !s.initialized.Load() {
		s.sendError(proto.ErrorUnknown)
		return
	}

	// Private rooms are addressed by the client-chosen session id and may
	// carry static DHCP reservations.
	id := hex.EncodeToString(req.SecurityParameter.SessionId[:])

	s.createRoom(id, req.NetworkConfig, req.UserConfig, req.RyuNetworkConfig, req.SecurityConfig, req.AddressList, advertiseData)
}

// createRoom builds the NetworkInfo for a new hosted room, registers it and
// seats the creator as node 0. The check for "this connection died during
// creation" and the owner commit form one critical section with teardown.
func (s *Session) createRoom(id string, networkConfig proto.NetworkConfig, userConfig proto.UserConfig,
	ryuConfig proto.RyuNetworkConfig, securityConfig proto.SecurityConfig,
	dhcpConfig proto.AddressList, advertiseData []byte) {

	var sessionId [16]byte
	if raw, err := hex.DecodeString(id); err == nil {
		copy(sessionId[:], raw)
	}

	info := proto.NetworkInfo{
		NetworkId: proto.NetworkId{
			IntentId: proto.IntentId{
				LocalCommunicationId: networkConfig.IntentId.LocalCommunicationId,
				SceneId:              networkConfig.IntentId.SceneId,
			},
			SessionId: sessionId,
		},
		Common: proto.CommonNetworkInfo{
			MacAddress:  s.mac,
			Channel:     networkConfig.Channel,
			LinkLevel:   3,
			NetworkType: 2,
			Ssid:        proto.Ssid{Length: 32},
		},
		Ldn: proto.LdnNetworkInfo{
			SecurityMode:      securityConfig.SecurityMode,
			NodeCountMax:      networkConfig.NodeCountMax,
			NodeCount:         0,
			AdvertiseDataSize: uint16(len(advertiseData)),
			AuthenticationId:  0,
		},
	}
	proto.StringToBytes("12345678123456781234567812345678", info.Common.Ssid.Name[:33])
	copy(info.Ldn.AdvertiseData[:], advertiseData)

	if ryuConfig.ExternalProxyPort != 0 && !s.proxyReachable(ryuConfig.ExternalProxyPort) {
		// The host's relay can't be reached from the Internet; fall back to
		// relaying through this server instead of failing creation.
		ryuConfig.ExternalProxyPort = 0
		s.sendError(proto.ErrorPortUnreachable)
	}

	game := s.server.Registry().CreateRoom(id, info, dhcpConfig, s.StringId())
	if game == nil {
		s.sendError(proto.ErrorUnknown)
		return
	}

	myNode := proto.NodeInfo{
		MacAddress:                s.mac,
		IsConnected:               1,
		UserName:                  userConfig.UserName,
		LocalCommunicationVersion: networkConfig.LocalCommunicationVersion,
	}

	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		util.LogWarning("Session %s disconnected mid-creation, closing room %s", s.StringId(), id)
		s.server.Registry().CloseRoom(id)
		return
	}
	game.SetOwner(s, ryuConfig)
	game.Connect(s, myNode)
	s.mu.Unlock()
}

// proxyReachable checks that the host's external relay port accepts TCP
// connections from the Internet. Establishing the connection is enough; no
// bytes are exchanged.
func (s *Session) proxyReachable(port uint16) bool {
	host := s.remoteHost()
	if host == "" {
		return false
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), externalProxyTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Session) handleScan(filter proto.ScanFilter) {
	if !s.initialized.Load() {
		s.sendError(proto.ErrorConnectFailure)
		return
	}

	// Scans are paced: clients treat them as slow radio operations, and the
	// delay keeps scan spam cheap to absorb.
	time.Sleep(200 * time.Millisecond)

	results := s.server.Registry().Scan(filter, s.Passphrase(), s.game.Load())

	for i := range results {
		s.send(proto.EncodeMessage(proto.PacketScanReply, &results[i]))
	}
	s.send(proto.Encode(proto.PacketScanReplyEnd))
}

func (s *Session) handleConnect(req proto.ConnectRequest) {
	if !s.initialized.Load() {
		s.sendError(proto.ErrorConnectFailure)
		return
	}

	id := hex.EncodeToString(req.NetworkInfo.NetworkId.SessionId[:])
	s.connectImpl(id, req.UserConfig, req.LocalCommunicationVersion)
}

func (s *Session) handleConnectPrivate(req proto.ConnectPrivateRequest) {
	if !s.initialized.Load() {
		s.sendError(proto.ErrorConnectFailure)
		return
	}

	id := hex.EncodeToString(req.SecurityParameter.SessionId[:])
	s.connectImpl(id, req.UserConfig, req.LocalCommunicationVersion)
}

func (s *Session) connectImpl(id string, userConfig proto.UserConfig, version uint32) {
	game := s.server.Registry().FindRoom(id)
	if game == nil {
		s.sendError(proto.ErrorConnectNotFound)
		return
	}

	// Node 0 carries the host's expected version; both directions of a
	// mismatch are distinct errors so the client can show the right UI.
	hostVersion := uint32(game.Snapshot().Ldn.Nodes[0].LocalCommunicationVersion)
	switch {
	case version > hostVersion:
		s.sendError(proto.ErrorVersionTooHigh)
		return
	case version < hostVersion:
		s.sendError(proto.ErrorVersionTooLow)
		return
	}

	node := proto.NodeInfo{
		MacAddress:                s.mac,
		IsConnected:               1,
		UserName:                  userConfig.UserName,
		LocalCommunicationVersion: uint16(version),
	}

	if !game.Connect(s, node) {
		s.sendError(proto.ErrorTooManyPlayers)
	}
}

// setVirtualIPv4 records the joiner's lease. Master-relay members are told
// their proxy configuration; P2P members learn theirs from the external
// proxy introduction instead. Called under the room lock.
func (s *Session) setVirtualIPv4(ip, subnet uint32, internalProxy bool) {
	s.virtualIP = ip

	if internalProxy {
		s.send(proto.EncodeMessage(proto.PacketProxyConfig, &proto.ProxyConfig{
			ProxyIp:         ip,
			ProxySubnetMask: subnet,
		}))
	}
}

func (s *Session) sendError(code proto.NetworkError) {
	s.send(proto.EncodeMessage(proto.PacketNetworkError, &proto.NetworkErrorMessage{Error: code}))
}

func (s *Session) remoteHost() string {
	addr := s.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// realAddrBytes returns the peer's transport address as 16 bytes plus the
// address family, the form proxy introductions carry.
func (s *Session) realAddrBytes() ([16]byte, int32) {
	var out [16]byte

	host := s.remoteHost()
	ip := net.ParseIP(host)
	if ip == nil {
		return out, proto.AddressFamilyIPv4
	}

	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
		return out, proto.AddressFamilyIPv4
	}

	copy(out[:], ip.To16())
	return out, proto.AddressFamilyIPv6
}
