package wire

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HandshakeResponse is a decoded client HandshakeResponse, either the
// modern protocol-41 form or the legacy pre-4.1 ("320") form.
type HandshakeResponse struct {
	Capabilities   uint32
	MaxPacketSize  uint32
	Collation      byte
	Username       string
	AuthResponse   []byte
	Database       string
	AuthPluginName string
	ConnectAttrs   map[string]string

	// SSLRequest is true when this packet is a pre-TLS SSLRequest: only the
	// fixed 32-byte header is present, and the real HandshakeResponse
	// follows after a TLS upgrade. Only Capabilities, MaxPacketSize and
	// Collation are populated.
	SSLRequest bool
}

// SplitTenant splits Username on the last ASCII '.': everything before the
// split is the obfuscated tenant key, everything after is the bare
// database user. ok is false if there is no '.', meaning the client sent no
// tenant key at all.
func (h HandshakeResponse) SplitTenant() (tenantKeyHex, user string, ok bool) {
	idx := strings.LastIndexByte(h.Username, '.')
	if idx < 0 {
		return "", h.Username, false
	}
	return h.Username[:idx], h.Username[idx+1:], true
}

// ParseHandshakeResponse decodes a client HandshakeResponse packet body. It
// branches on CLIENT_PROTOCOL_41, which every modern client sets; the 320
// variant exists only for ancient clients. A protocol-41 SSLRequest is
// reported through the SSLRequest field.
func ParseHandshakeResponse(payload []byte) (HandshakeResponse, error) {
	if len(payload) < 4 {
		return HandshakeResponse{}, fmt.Errorf("handshake response too short: %d bytes", len(payload))
	}
	capabilities := binary.LittleEndian.Uint32(payload[0:4])
	if capabilities&ClientProtocol41 == 0 {
		return parseHandshakeResponse320(payload, capabilities)
	}
	return parseHandshakeResponse41(payload, capabilities)
}

func parseHandshakeResponse41(payload []byte, capabilities uint32) (HandshakeResponse, error) {
	if len(payload) < 32 {
		return HandshakeResponse{}, fmt.Errorf("handshake response41 too short: %d bytes", len(payload))
	}
	h := HandshakeResponse{
		Capabilities:  capabilities,
		MaxPacketSize: binary.LittleEndian.Uint32(payload[4:8]),
		Collation:     payload[8],
		// payload[9:32] is reserved filler.
	}
	if capabilities&ClientSSL != 0 {
		h.SSLRequest = true
		return h, nil
	}

	pos := 32
	end := nullTerminated(payload, pos)
	h.Username = string(payload[pos:end])
	pos = end + 1

	switch {
	case capabilities&ClientPluginAuthLenencClientData != 0:
		n, sz := readLenEncInt(payload, pos)
		pos += sz
		if pos+int(n) > len(payload) {
			return HandshakeResponse{}, fmt.Errorf("auth response overruns packet")
		}
		h.AuthResponse = payload[pos : pos+int(n)]
		pos += int(n)
	case capabilities&ClientSecureConnection != 0:
		if pos >= len(payload) {
			return HandshakeResponse{}, fmt.Errorf("missing auth response length byte")
		}
		n := int(payload[pos])
		pos++
		if pos+n > len(payload) {
			return HandshakeResponse{}, fmt.Errorf("auth response overruns packet")
		}
		h.AuthResponse = payload[pos : pos+n]
		pos += n
	default:
		end = nullTerminated(payload, pos)
		h.AuthResponse = payload[pos:end]
		pos = end + 1
	}

	if capabilities&ClientConnectWithDB != 0 && pos < len(payload) {
		end = nullTerminated(payload, pos)
		h.Database = string(payload[pos:end])
		pos = end + 1
	}

	if capabilities&ClientPluginAuth != 0 && pos < len(payload) {
		end = nullTerminated(payload, pos)
		h.AuthPluginName = string(payload[pos:end])
		pos = end + 1
	}

	if capabilities&ClientConnectAttrs != 0 && pos < len(payload) {
		attrsLen, sz := readLenEncInt(payload, pos)
		pos += sz
		attrsEnd := pos + int(attrsLen)
		if attrsEnd > len(payload) {
			attrsEnd = len(payload)
		}
		h.ConnectAttrs = parseConnectAttrs(payload[pos:attrsEnd])
	}

	return h, nil
}

func parseHandshakeResponse320(payload []byte, capabilities uint32) (HandshakeResponse, error) {
	if len(payload) < 5 {
		return HandshakeResponse{}, fmt.Errorf("handshake response320 too short: %d bytes", len(payload))
	}
	// 2-byte capability flags, then a 24-bit max-packet, then the username.
	maxPacket := uint32(payload[2]) | uint32(payload[3])<<8 | uint32(payload[4])<<16
	pos := 5
	end := nullTerminated(payload, pos)
	return HandshakeResponse{
		Capabilities:  capabilities & 0xffff,
		MaxPacketSize: maxPacket,
		Username:      string(payload[pos:end]),
	}, nil
}

func parseConnectAttrs(b []byte) map[string]string {
	attrs := make(map[string]string)
	pos := 0
	for pos < len(b) {
		keyLen, sz := readLenEncInt(b, pos)
		pos += sz
		if pos+int(keyLen) > len(b) {
			break
		}
		key := string(b[pos : pos+int(keyLen)])
		pos += int(keyLen)

		valLen, sz := readLenEncInt(b, pos)
		pos += sz
		if pos+int(valLen) > len(b) {
			break
		}
		attrs[key] = string(b[pos : pos+int(valLen)])
		pos += int(valLen)
	}
	return attrs
}

// SerializeHandshakeResponse41 re-encodes h as a protocol-41 HandshakeResponse
// packet body. Used by the reply-handshake auth flow to relay the client's
// handshake to a backend with the username, auth response and auth-plugin
// name rewritten; the serializer itself encodes every field as given.
func SerializeHandshakeResponse41(h HandshakeResponse) []byte {
	buf := make([]byte, 0, 64+len(h.Username)+len(h.AuthResponse)+len(h.Database)+len(h.AuthPluginName))

	var capBuf, maxPktBuf [4]byte
	binary.LittleEndian.PutUint32(capBuf[:], h.Capabilities)
	binary.LittleEndian.PutUint32(maxPktBuf[:], h.MaxPacketSize)
	buf = append(buf, capBuf[:]...)
	buf = append(buf, maxPktBuf[:]...)
	buf = append(buf, h.Collation)
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, h.Username...)
	buf = append(buf, 0)

	switch {
	case h.Capabilities&ClientPluginAuthLenencClientData != 0:
		buf = appendLenEncInt(buf, uint64(len(h.AuthResponse)))
		buf = append(buf, h.AuthResponse...)
	case h.Capabilities&ClientSecureConnection != 0:
		buf = append(buf, byte(len(h.AuthResponse)))
		buf = append(buf, h.AuthResponse...)
	default:
		buf = append(buf, h.AuthResponse...)
		buf = append(buf, 0)
	}

	if h.Capabilities&ClientConnectWithDB != 0 {
		buf = append(buf, h.Database...)
		buf = append(buf, 0)
	}
	if h.Capabilities&ClientPluginAuth != 0 {
		buf = append(buf, h.AuthPluginName...)
		buf = append(buf, 0)
	}
	if h.Capabilities&ClientConnectAttrs != 0 {
		var attrsBuf []byte
		for k, v := range h.ConnectAttrs {
			attrsBuf = appendLenEncInt(attrsBuf, uint64(len(k)))
			attrsBuf = append(attrsBuf, k...)
			attrsBuf = appendLenEncInt(attrsBuf, uint64(len(v)))
			attrsBuf = append(attrsBuf, v...)
		}
		buf = appendLenEncInt(buf, uint64(len(attrsBuf)))
		buf = append(buf, attrsBuf...)
	}
	return buf
}
