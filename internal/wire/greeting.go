package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// DefaultServerVersion is reported in the synthetic greeting's banner. It
// does not need to match any real backend's version; clients treat it as
// informational.
const DefaultServerVersion = "8.0.34-dbgateway"

// Greeting describes a protocol-10 server handshake greeting.
type Greeting struct {
	ConnectionID   uint32
	Scramble       [20]byte
	Capabilities   uint32
	Collation      byte
	StatusFlags    uint16
	AuthPluginName string
	ServerVersion  string
}

// BuildGreeting serializes a protocol-10 handshake greeting: a server
// version banner, connection id, a 20-byte scramble split 8/12 across the
// fixed and variable-length regions, the capability set split across its
// low/high 16 bits, and the auth-plugin name.
func BuildGreeting(g Greeting) []byte {
	version := g.ServerVersion
	if version == "" {
		version = DefaultServerVersion
	}

	buf := make([]byte, 0, 64+len(version))
	buf = append(buf, 10) // protocol version
	buf = append(buf, version...)
	buf = append(buf, 0)

	var connID [4]byte
	binary.LittleEndian.PutUint32(connID[:], g.ConnectionID)
	buf = append(buf, connID[:]...)

	buf = append(buf, g.Scramble[:8]...)
	buf = append(buf, 0) // filler

	capLow := uint16(g.Capabilities)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, g.Collation)
	buf = append(buf, byte(g.StatusFlags), byte(g.StatusFlags>>8))
	capHigh := uint16(g.Capabilities >> 16)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))

	buf = append(buf, 21) // auth-plugin-data length: 8 + 13
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, g.Scramble[8:]...)
	buf = append(buf, 0)

	buf = append(buf, g.AuthPluginName...)
	buf = append(buf, 0)
	return buf
}

// ParsedGreeting is a decoded protocol-10 server handshake greeting, as
// sent by a real backend when the pool dials it.
type ParsedGreeting struct {
	ServerVersion  string
	ConnectionID   uint32
	AuthData       []byte // the full auth-plugin-data, parts 1 and 2 concatenated
	Capabilities   uint32
	Collation      byte
	StatusFlags    uint16
	AuthPluginName string
}

// ParseGreeting decodes a server's initial HandshakeV10 packet.
func ParseGreeting(pkt []byte) (ParsedGreeting, error) {
	if len(pkt) < 1 {
		return ParsedGreeting{}, fmt.Errorf("empty greeting")
	}
	if pkt[0] != 10 {
		return ParsedGreeting{}, fmt.Errorf("unsupported protocol version %d", pkt[0])
	}

	pos := 1
	end := nullTerminated(pkt, pos)
	g := ParsedGreeting{ServerVersion: string(pkt[pos:end])}
	pos = end + 1

	if pos+4 > len(pkt) {
		return ParsedGreeting{}, fmt.Errorf("greeting too short for connection id")
	}
	g.ConnectionID = binary.LittleEndian.Uint32(pkt[pos : pos+4])
	pos += 4

	if pos+8 > len(pkt) {
		return ParsedGreeting{}, fmt.Errorf("greeting too short for auth data part 1")
	}
	authData := append([]byte(nil), pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return ParsedGreeting{}, fmt.Errorf("greeting too short for capability flags")
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return ParsedGreeting{}, fmt.Errorf("greeting too short for charset/status")
	}
	g.Collation = pkt[pos]
	g.StatusFlags = binary.LittleEndian.Uint16(pkt[pos+1 : pos+3])
	pos += 3

	if pos+2 > len(pkt) {
		return ParsedGreeting{}, fmt.Errorf("greeting too short for capability flags high")
	}
	capHigh := uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
	g.Capabilities = capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos < len(pkt) {
		authPluginDataLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len
	g.AuthData = authData

	g.AuthPluginName = "mysql_native_password"
	if g.Capabilities&ClientPluginAuth != 0 && pos < len(pkt) {
		end = nullTerminated(pkt, pos)
		g.AuthPluginName = string(pkt[pos:end])
	}

	return g, nil
}

// ParseAuthSwitchRequest decodes an AuthSwitchRequest packet body: a leading
// 0xFE marker, then a null-terminated plugin name, then plugin-specific
// auth data (trimmed of its trailing NUL, if present).
func ParseAuthSwitchRequest(pkt []byte) (plugin string, data []byte, ok bool) {
	if len(pkt) < 2 || pkt[0] != headerEOF {
		return "", nil, false
	}
	nameEnd := nullTerminated(pkt, 1)
	plugin = string(pkt[1:nameEnd])
	if nameEnd+1 < len(pkt) {
		data = pkt[nameEnd+1:]
		if len(data) > 0 && data[len(data)-1] == 0 {
			data = data[:len(data)-1]
		}
	}
	return plugin, data, true
}

// BuildAuthSwitchRequest constructs an AuthSwitchRequest packet body: used
// by the authenticator to force a client into re-sending credentials under
// a sentinel plugin name during the change-user/reply-handshake splice.
func BuildAuthSwitchRequest(plugin string, data []byte) []byte {
	buf := make([]byte, 0, 2+len(plugin)+len(data))
	buf = append(buf, headerEOF)
	buf = append(buf, plugin...)
	buf = append(buf, 0)
	buf = append(buf, data...)
	return buf
}

// NewScramble generates a 20-byte server challenge. NUL and '$' bytes are
// rerolled to 0x01: some client libraries treat either as a terminator when
// scanning the scramble out of the greeting.
func NewScramble() ([20]byte, error) {
	var s [20]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, err
	}
	for i, b := range s {
		if b == 0 || b == '$' {
			s[i] = 1
		}
	}
	return s, nil
}

// BuildOK constructs an OK_Packet body: header byte, zero affected-rows and
// last-insert-id, status flags, zero warnings.
func BuildOK(status uint16) []byte {
	return []byte{headerOK, 0x00, 0x00, byte(status), byte(status >> 8), 0x00, 0x00}
}

// BuildERR constructs an ERR_Packet body with a SQLSTATE marker.
func BuildERR(code uint16, sqlState, message string) []byte {
	state := sqlState
	if len(state) > 5 {
		state = state[:5]
	}
	for len(state) < 5 {
		state += " "
	}
	buf := make([]byte, 0, 9+len(message))
	buf = append(buf, headerERR, byte(code), byte(code>>8), '#')
	buf = append(buf, state...)
	buf = append(buf, message...)
	return buf
}
