package ldn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanwarp/lanwarp/internal/proto"
)

// fakeSession builds a session that is never driven by a read loop. Frames
// sent to it pile up in its queue, where tests pop and inspect them.
func fakeSession(t *testing.T, srv *Server) *Session {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return newSession(srv, server)
}

// popFrame pops the next queued outbound frame of a fake session.
func popFrame(t *testing.T, s *Session) (proto.Header, []byte) {
	t.Helper()

	select {
	case buf := <-s.sendCh:
		var hdr proto.Header
		require.NoError(t, proto.Unmarshal(buf[:proto.HeaderSize], &hdr))
		require.Len(t, buf, proto.HeaderSize+int(hdr.DataSize))
		return hdr, buf[proto.HeaderSize:]
	default:
		t.Fatal("no frame queued")
		return proto.Header{}, nil
	}
}

// expectFrame pops the next frame and asserts its packet id.
func expectFrame(t *testing.T, s *Session, id proto.PacketId) []byte {
	t.Helper()

	hdr, payload := popFrame(t, s)
	require.Equal(t, id, proto.PacketId(hdr.Type), "unexpected packet type")
	return payload
}

// drainFrames discards everything queued so far.
func drainFrames(s *Session) {
	for {
		select {
		case <-s.sendCh:
		default:
			return
		}
	}
}

func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()

	select {
	case buf := <-s.sendCh:
		var hdr proto.Header
		_ = proto.Unmarshal(buf[:proto.HeaderSize], &hdr)
		t.Fatalf("unexpected frame %s", proto.PacketId(hdr.Type))
	default:
	}
}

// testNetworkInfo builds a minimal joinable NetworkInfo.
func testNetworkInfo(nodeCountMax byte) proto.NetworkInfo {
	var info proto.NetworkInfo
	info.NetworkId.IntentId.LocalCommunicationId = 0x0100152000022000
	info.Common.NetworkType = 2
	info.Ldn.NodeCountMax = nodeCountMax
	return info
}

// testNode builds a NodeInfo for a joining session.
func testNode(s *Session, name string) proto.NodeInfo {
	node := proto.NodeInfo{
		MacAddress:                s.MacAddress(),
		IsConnected:               1,
		LocalCommunicationVersion: 1,
	}
	proto.StringToBytes(name, node.UserName[:])
	return node
}

// wireClient is the client half of a piped connection to a live session. A
// background goroutine decodes inbound frames into a channel.
type wireClient struct {
	t      *testing.T
	conn   net.Conn
	frames chan wireFrame
}

type wireFrame struct {
	hdr     proto.Header
	payload []byte
}

// startWireClient attaches a full client+session pair to the server, with
// the session's read and write loops running.
func startWireClient(t *testing.T, srv *Server) (*wireClient, *Session) {
	t.Helper()

	clientConn, serverConn := net.Pipe()

	session := srv.startSession(serverConn)
	require.NotNil(t, session)

	c := &wireClient{
		t:      t,
		conn:   clientConn,
		frames: make(chan wireFrame, 64),
	}

	go func() {
		dec := proto.NewDecoder(func(hdr proto.Header, payload []byte) error {
			c.frames <- wireFrame{hdr: hdr, payload: payload}
			return nil
		})

		buf := make([]byte, 4096)
		for {
			n, err := c.conn.Read(buf)
			if n > 0 {
				if derr := dec.Read(buf[:n]); derr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { clientConn.Close() })

	return c, session
}

func (c *wireClient) write(buf []byte) {
	c.t.Helper()

	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write(buf)
	require.NoError(c.t, err)
}

// next waits for the next inbound frame.
func (c *wireClient) next() wireFrame {
	c.t.Helper()

	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return wireFrame{}
	}
}

// expect waits for the next frame and asserts its packet id.
func (c *wireClient) expect(id proto.PacketId) []byte {
	c.t.Helper()

	f := c.next()
	require.Equal(c.t, id, proto.PacketId(f.hdr.Type), "unexpected packet type")
	return f.payload
}

// initialize runs the Initialize handshake and returns the echoed identity.
func (c *wireClient) initialize() proto.InitializeMessage {
	c.t.Helper()

	c.write(proto.EncodeMessage(proto.PacketInitialize, &proto.InitializeMessage{}))

	var reply proto.InitializeMessage
	require.NoError(c.t, proto.Unmarshal(c.expect(proto.PacketInitialize), &reply))
	return reply
}

// createRequest builds a CreateAccessPointRequest for a joinable test room.
func createRequest(nodeCountMax byte, version uint16, userName string) proto.CreateAccessPointRequest {
	var req proto.CreateAccessPointRequest
	req.NetworkConfig.IntentId.LocalCommunicationId = 0x0100152000022000
	req.NetworkConfig.NodeCountMax = nodeCountMax
	req.NetworkConfig.LocalCommunicationVersion = version
	proto.StringToBytes(userName, req.UserConfig.UserName[:])
	proto.StringToBytes("1.0.0", req.RyuNetworkConfig.GameVersion[:])
	return req
}

// connectRequest builds a ConnectRequest targeting the given session id.
func connectRequest(sessionId [16]byte, version uint32, userName string) proto.ConnectRequest {
	var req proto.ConnectRequest
	req.NetworkInfo.NetworkId.SessionId = sessionId
	req.LocalCommunicationVersion = version
	proto.StringToBytes(userName, req.UserConfig.UserName[:])
	return req
}
