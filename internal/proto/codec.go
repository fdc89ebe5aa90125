package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Encode serializes a header-only frame (no payload).
func Encode(id PacketId) []byte {
	buf := make([]byte, 0, HeaderSize)
	return appendHeader(buf, id, 0)
}

// EncodeMessage serializes a typed payload behind the fixed header. The
// result is bit-for-bit reproducible for any given input.
func EncodeMessage(id PacketId, msg any) []byte {
	size := binary.Size(msg)
	if size < 0 {
		panic(fmt.Sprintf("proto: message %T is not fixed-size", msg))
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+size))
	buf.Write(appendHeader(nil, id, size))
	if err := binary.Write(buf, binary.LittleEndian, msg); err != nil {
		panic(fmt.Sprintf("proto: encode %T: %v", msg, err))
	}
	return buf.Bytes()
}

// EncodeWithData serializes a typed sub-header followed by a trailing blob
// (advertise data, proxied payloads).
func EncodeWithData(id PacketId, msg any, data []byte) []byte {
	size := binary.Size(msg)
	if size < 0 {
		panic(fmt.Sprintf("proto: message %T is not fixed-size", msg))
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+size+len(data)))
	buf.Write(appendHeader(nil, id, size+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, msg); err != nil {
		panic(fmt.Sprintf("proto: encode %T: %v", msg, err))
	}
	buf.Write(data)
	return buf.Bytes()
}

func appendHeader(buf []byte, id PacketId, dataSize int) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, Magic)
	buf = append(buf, byte(id), Version, 0, 0)
	return binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
}

// Unmarshal decodes a payload that must exactly fill the target struct.
func Unmarshal(payload []byte, out any) error {
	size := binary.Size(out)
	if size < 0 {
		return fmt.Errorf("proto: %T is not fixed-size", out)
	}
	if len(payload) != size {
		return fmt.Errorf("proto: payload is %d bytes, %T needs %d", len(payload), out, size)
	}
	return binary.Read(bytes.NewReader(payload), binary.LittleEndian, out)
}

// UnmarshalWithData decodes a fixed sub-header and returns the trailing blob.
func UnmarshalWithData(payload []byte, out any) ([]byte, error) {
	size := binary.Size(out)
	if size < 0 {
		return nil, fmt.Errorf("proto: %T is not fixed-size", out)
	}
	if len(payload) < size {
		return nil, fmt.Errorf("proto: payload is %d bytes, %T needs at least %d", len(payload), out, size)
	}
	if err := binary.Read(bytes.NewReader(payload[:size]), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return payload[size:], nil
}

// Handler consumes one decoded frame. A returned error is fatal for the
// connection that fed the decoder.
type Handler func(hdr Header, payload []byte) error

// Decoder is a streaming frame parser. Bytes may arrive split at arbitrary
// boundaries; partial frames are buffered until complete.
type Decoder struct {
	handler Handler
	buf     []byte
}

func NewDecoder(handler Handler) *Decoder {
	return &Decoder{handler: handler}
}

// Read feeds a chunk of stream bytes into the decoder, invoking the handler
// once per completed frame. Malformed framing or a handler error aborts
// decoding; the caller is expected to drop the connection.
func (d *Decoder) Read(p []byte) error {
	d.buf = append(d.buf, p...)

	for len(d.buf) >= HeaderSize {
		var hdr Header
		if err := binary.Read(bytes.NewReader(d.buf[:HeaderSize]), binary.LittleEndian, &hdr); err != nil {
			return err
		}

		if hdr.Magic != Magic {
			return fmt.Errorf("proto: bad magic 0x%08x", hdr.Magic)
		}
		if hdr.Version != Version {
			return fmt.Errorf("proto: protocol version %d, want %d", hdr.Version, Version)
		}
		if hdr.DataSize < 0 || hdr.DataSize > MaxPayloadSize {
			return fmt.Errorf("proto: invalid payload size %d", hdr.DataSize)
		}

		total := HeaderSize + int(hdr.DataSize)
		if len(d.buf) < total {
			return nil // wait for the rest of the frame
		}

		payload := make([]byte, hdr.DataSize)
		copy(payload, d.buf[HeaderSize:total])
		d.buf = d.buf[total:]

		if err := d.handler(hdr, payload); err != nil {
			return err
		}
	}

	return nil
}
