package ldn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanwarp/lanwarp/internal/proto"
)

// expectSilence asserts that no frame arrives within the window.
func (c *wireClient) expectSilence(d time.Duration) {
	c.t.Helper()

	select {
	case f := <-c.frames:
		c.t.Fatalf("unexpected frame %s", proto.PacketId(f.hdr.Type))
	case <-time.After(d):
	}
}

// expectError waits for a NetworkError frame and returns its code.
func (c *wireClient) expectError() proto.NetworkError {
	c.t.Helper()

	var msg proto.NetworkErrorMessage
	require.NoError(c.t, proto.Unmarshal(c.expect(proto.PacketNetworkError), &msg))
	return msg.Error
}

// createRoomOnWire drives the full room creation exchange and returns the
// created network's state as seen by the host.
func (c *wireClient) createRoomOnWire(req proto.CreateAccessPointRequest, advertiseData []byte) proto.NetworkInfo {
	c.t.Helper()

	c.write(proto.EncodeWithData(proto.PacketCreateAccessPoint, &req, advertiseData))
	c.expect(proto.PacketProxyConfig)

	var info proto.NetworkInfo
	require.NoError(c.t, proto.Unmarshal(c.expect(proto.PacketConnected), &info))
	return info
}

// TestInitializeHandshake verifies the identity exchange: the server echoes
// its canonical id and the persistent MAC, and repeats are ignored.
func TestInitializeHandshake(t *testing.T) {
	srv := NewServer(nil)
	client, session := startWireClient(t, srv)

	reply := client.initialize()
	require.Equal(t, [16]byte(session.id), reply.Id)
	require.Equal(t, session.MacAddress(), reply.MacAddress)
	require.NotEqual(t, [6]byte{}, reply.MacAddress)

	client.write(proto.EncodeMessage(proto.PacketInitialize, &proto.InitializeMessage{}))
	client.expectSilence(100 * time.Millisecond)
}

// TestInitializeMacPersistsAcrossReconnect verifies that a client presenting
// the identity and MAC from its previous connection keeps that MAC on a new
// connection.
func TestInitializeMacPersistsAcrossReconnect(t *testing.T) {
	srv := NewServer(nil)

	first, _ := startWireClient(t, srv)
	issued := first.initialize()
	first.conn.Close()

	second, _ := startWireClient(t, srv)
	second.write(proto.EncodeMessage(proto.PacketInitialize, &issued))

	var reply proto.InitializeMessage
	require.NoError(t, proto.Unmarshal(second.expect(proto.PacketInitialize), &reply))
	require.Equal(t, issued.MacAddress, reply.MacAddress, "reconnecting with the issued id+MAC must keep the MAC")

	// A third connection chaining from the second identity keeps it too.
	third, _ := startWireClient(t, srv)
	third.write(proto.EncodeMessage(proto.PacketInitialize, &reply))

	var again proto.InitializeMessage
	require.NoError(t, proto.Unmarshal(third.expect(proto.PacketInitialize), &again))
	require.Equal(t, issued.MacAddress, again.MacAddress)
}

// TestRequestsBeforeInitialize verifies that room operations are refused on
// an uninitialized session.
func TestRequestsBeforeInitialize(t *testing.T) {
	srv := NewServer(nil)
	client, _ := startWireClient(t, srv)

	client.write(proto.EncodeMessage(proto.PacketConnect, &proto.ConnectRequest{}))
	require.Equal(t, proto.ErrorConnectFailure, client.expectError())

	client.write(proto.EncodeMessage(proto.PacketScan, &proto.ScanFilter{}))
	require.Equal(t, proto.ErrorConnectFailure, client.expectError())

	req := createRequest(4, 1, "early")
	client.write(proto.EncodeWithData(proto.PacketCreateAccessPoint, &req, nil))
	require.Equal(t, proto.ErrorUnknown, client.expectError())
}

// TestCreateScanJoinRelay drives the whole happy path over the wire: host a
// room, discover it by scanning, join it, relay a broadcast, leave.
func TestCreateScanJoinRelay(t *testing.T) {
	srv := NewServer(nil)

	host, _ := startWireClient(t, srv)
	host.initialize()

	advertise := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	hostInfo := host.createRoomOnWire(createRequest(4, 1, "host"), advertise)
	require.Equal(t, byte(1), hostInfo.Ldn.NodeCount)
	require.Equal(t, "host", proto.StringFromBytes(hostInfo.Ldn.Nodes[0].UserName[:]))

	guest, _ := startWireClient(t, srv)
	guest.initialize()

	// Discovery. The guest is in no room, so the host's room is visible.
	guest.write(proto.EncodeMessage(proto.PacketScan, &proto.ScanFilter{}))

	var found proto.NetworkInfo
	require.NoError(t, proto.Unmarshal(guest.expect(proto.PacketScanReply), &found))
	guest.expect(proto.PacketScanReplyEnd)
	require.Equal(t, hostInfo.NetworkId.SessionId, found.NetworkId.SessionId)
	require.Equal(t, advertise, found.Ldn.AdvertiseData[:len(advertise)])
	require.Equal(t, uint16(len(advertise)), found.Ldn.AdvertiseDataSize)

	// Join.
	req := connectRequest(found.NetworkId.SessionId, 1, "guest")
	guest.write(proto.EncodeMessage(proto.PacketConnect, &req))
	guest.expect(proto.PacketProxyConfig)

	var joined proto.NetworkInfo
	require.NoError(t, proto.Unmarshal(guest.expect(proto.PacketConnected), &joined))
	require.Equal(t, byte(2), joined.Ldn.NodeCount)

	var sync proto.NetworkInfo
	require.NoError(t, proto.Unmarshal(host.expect(proto.PacketSyncNetwork), &sync))
	require.Equal(t, "guest", proto.StringFromBytes(sync.Ldn.Nodes[1].UserName[:]))

	// A broadcast relayed by the guest reaches both members.
	data := proto.ProxyDataHeader{
		Info:       proto.ProxyInfo{DestIpV4: broadcastSentinel, DestPort: 11452},
		DataLength: 2,
	}
	guest.write(proto.EncodeWithData(proto.PacketProxyData, &data, []byte{0xCA, 0xFE}))

	var relayed proto.ProxyDataHeader
	blob, err := proto.UnmarshalWithData(host.expect(proto.PacketProxyData), &relayed)
	require.NoError(t, err)
	require.Equal(t, joined.Ldn.Nodes[1].Ipv4Address, relayed.Info.SourceIpV4)
	require.Equal(t, []byte{0xCA, 0xFE}, blob)
	guest.expect(proto.PacketProxyData)

	// A graceful leave shrinks the network but keeps the room alive.
	guest.write(proto.EncodeMessage(proto.PacketDisconnect, &proto.DisconnectMessage{}))

	require.NoError(t, proto.Unmarshal(host.expect(proto.PacketSyncNetwork), &sync))
	require.Equal(t, byte(1), sync.Ldn.NodeCount)
	require.Len(t, srv.Registry().All(), 1)
}

// TestJoinVersionMismatch verifies the two directional version errors.
func TestJoinVersionMismatch(t *testing.T) {
	srv := NewServer(nil)

	host, _ := startWireClient(t, srv)
	host.initialize()
	info := host.createRoomOnWire(createRequest(4, 2, "host"), nil)

	guest, _ := startWireClient(t, srv)
	guest.initialize()

	high := connectRequest(info.NetworkId.SessionId, 3, "guest")
	guest.write(proto.EncodeMessage(proto.PacketConnect, &high))
	require.Equal(t, proto.ErrorVersionTooHigh, guest.expectError())

	low := connectRequest(info.NetworkId.SessionId, 1, "guest")
	guest.write(proto.EncodeMessage(proto.PacketConnect, &low))
	require.Equal(t, proto.ErrorVersionTooLow, guest.expectError())
}

// TestJoinFullRoom verifies the TooManyPlayers error on a capacity-1 room.
func TestJoinFullRoom(t *testing.T) {
	srv := NewServer(nil)

	host, _ := startWireClient(t, srv)
	host.initialize()
	info := host.createRoomOnWire(createRequest(1, 1, "host"), nil)

	guest, _ := startWireClient(t, srv)
	guest.initialize()

	req := connectRequest(info.NetworkId.SessionId, 1, "guest")
	guest.write(proto.EncodeMessage(proto.PacketConnect, &req))
	require.Equal(t, proto.ErrorTooManyPlayers, guest.expectError())
}

// TestJoinUnknownRoom verifies the not-found error.
func TestJoinUnknownRoom(t *testing.T) {
	srv := NewServer(nil)

	guest, _ := startWireClient(t, srv)
	guest.initialize()

	var ghost [16]byte
	copy(ghost[:], "no such network")
	req := connectRequest(ghost, 1, "guest")
	guest.write(proto.EncodeMessage(proto.PacketConnect, &req))
	require.Equal(t, proto.ErrorConnectNotFound, guest.expectError())
}

// TestOwnerDisconnectClosesRoom verifies that an owner's connection loss
// takes the whole room down and notifies the remaining members.
func TestOwnerDisconnectClosesRoom(t *testing.T) {
	srv := NewServer(nil)

	host, _ := startWireClient(t, srv)
	host.initialize()
	info := host.createRoomOnWire(createRequest(4, 1, "host"), nil)

	guest, _ := startWireClient(t, srv)
	guest.initialize()
	req := connectRequest(info.NetworkId.SessionId, 1, "guest")
	guest.write(proto.EncodeMessage(proto.PacketConnect, &req))
	guest.expect(proto.PacketProxyConfig)
	guest.expect(proto.PacketConnected)
	host.expect(proto.PacketSyncNetwork)

	host.conn.Close()

	guest.expect(proto.PacketSyncNetwork)
	guest.expect(proto.PacketDisconnect)

	require.Eventually(t, func() bool {
		return len(srv.Registry().All()) == 0 && srv.SessionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestPingSweep covers the liveness protocol: an idle session is pinged, an
// answered ping keeps it alive, an unanswered one kills it.
func TestPingSweep(t *testing.T) {
	srv := NewServer(nil)
	client, session := startWireClient(t, srv)
	client.initialize()

	// Quiet session: the sweep sends an unsolicited ping.
	session.lastMessage.Store(time.Now().Add(-time.Minute).UnixNano())
	session.sweep(InactivityPingInterval)

	var ping proto.PingMessage
	require.NoError(t, proto.Unmarshal(client.expect(proto.PacketPing), &ping))
	require.Equal(t, byte(0), ping.Requester)

	// Answering clears the outstanding ping.
	client.write(proto.EncodeMessage(proto.PacketPing, &ping))
	require.Eventually(t, func() bool {
		return session.waitingPing.Load() == -1
	}, 2*time.Second, 10*time.Millisecond)

	// Going quiet again and ignoring the next ping is fatal.
	session.lastMessage.Store(time.Now().Add(-time.Minute).UnixNano())
	session.sweep(InactivityPingInterval)
	client.expect(proto.PacketPing)
	session.sweep(InactivityPingInterval)

	require.Eventually(t, func() bool {
		return srv.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestUnknownPacketDisconnects verifies that an unknown packet id is fatal
// for the connection.
func TestUnknownPacketDisconnects(t *testing.T) {
	srv := NewServer(nil)
	client, _ := startWireClient(t, srv)

	frame := proto.Encode(proto.PacketPing)
	frame[4] = 200 // not a known packet id
	client.write(frame)

	require.Eventually(t, func() bool {
		return srv.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestPassphraseValidation covers the accepted passphrase grammar.
func TestPassphraseValidation(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"valid", "Ryujinx-0123abcd", "Ryujinx-0123abcd"},
		{"uppercase hex", "Ryujinx-0123ABCD", ""},
		{"too short", "Ryujinx-0123abc", ""},
		{"too long", "Ryujinx-0123abcd0", ""},
		{"wrong prefix", "ryujinx-0123abcd", ""},
		{"garbage", "open sesame", ""},
	}

	srv := NewServer(nil)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := fakeSession(t, srv)

			var msg proto.PassphraseMessage
			proto.StringToBytes(tc.in, msg.Passphrase[:])
			s.handlePassphrase(msg)

			require.Equal(t, tc.want, s.Passphrase())
		})
	}
}

// TestCreateAccessPointPrivate verifies private hosting: the room is keyed
// by the client-chosen session id and honors DHCP reservations.
func TestCreateAccessPointPrivate(t *testing.T) {
	srv := NewServer(nil)

	host, session := startWireClient(t, srv)
	host.initialize()

	var req proto.CreateAccessPointPrivateRequest
	copy(req.SecurityParameter.SessionId[:], "private-session!")
	req.NetworkConfig.NodeCountMax = 4
	req.NetworkConfig.LocalCommunicationVersion = 1
	proto.StringToBytes("host", req.UserConfig.UserName[:])
	req.AddressList.Addresses[0] = proto.AddressEntry{
		Ipv4Address: networkBaseAddress + 77,
		MacAddress:  session.MacAddress(),
	}

	host.write(proto.EncodeWithData(proto.PacketCreateAccessPointPrivate, &req, nil))

	var cfg proto.ProxyConfig
	require.NoError(t, proto.Unmarshal(host.expect(proto.PacketProxyConfig), &cfg))
	require.Equal(t, networkBaseAddress+77, cfg.ProxyIp, "the host's reservation must be honored")

	host.expect(proto.PacketConnected)

	wantId := "707269766174652d73657373696f6e21" // hex of the session id bytes
	require.NotNil(t, srv.Registry().FindRoom(wantId))
}

// TestCreateWhileInRoom verifies that hosting twice from one session fails.
func TestCreateWhileInRoom(t *testing.T) {
	srv := NewServer(nil)

	host, _ := startWireClient(t, srv)
	host.initialize()
	host.createRoomOnWire(createRequest(4, 1, "host"), nil)

	req := createRequest(4, 1, "host")
	host.write(proto.EncodeWithData(proto.PacketCreateAccessPoint, &req, nil))
	require.Equal(t, proto.ErrorUnknown, host.expectError())
}
