package wire

// Client capability flags, per the MySQL handshake protocol. Bits 0-25 and
// bit 31 are named here, whether or not this proxy inspects or advertises
// them; bits 26-30 are not named and not used.
const (
	ClientLongPassword               uint32 = 1 << 0
	ClientFoundRows                  uint32 = 1 << 1
	ClientLongFlag                   uint32 = 1 << 2
	ClientConnectWithDB              uint32 = 1 << 3
	ClientNoSchema                   uint32 = 1 << 4
	ClientCompress                   uint32 = 1 << 5
	ClientODBC                       uint32 = 1 << 6
	ClientLocalFiles                 uint32 = 1 << 7
	ClientIgnoreSpace                uint32 = 1 << 8
	ClientProtocol41                 uint32 = 1 << 9
	ClientInteractive                uint32 = 1 << 10
	ClientSSL                        uint32 = 1 << 11
	ClientIgnoreSigpipe              uint32 = 1 << 12
	ClientTransactions               uint32 = 1 << 13
	ClientReserved                   uint32 = 1 << 14
	ClientSecureConnection           uint32 = 1 << 15
	ClientMultiStatements            uint32 = 1 << 16
	ClientMultiResults               uint32 = 1 << 17
	ClientPSMultiResults             uint32 = 1 << 18
	ClientPluginAuth                 uint32 = 1 << 19
	ClientConnectAttrs               uint32 = 1 << 20
	ClientPluginAuthLenencClientData uint32 = 1 << 21
	ClientCanHandleExpiredPasswords  uint32 = 1 << 22
	ClientSessionTrack               uint32 = 1 << 23
	ClientDeprecateEOF               uint32 = 1 << 24
	ClientOptionalResultsetMetadata  uint32 = 1 << 25
	ClientRememberOptions            uint32 = 1 << 31
)

// ServerCapabilities returns the capability set the proxy advertises in its
// synthetic greeting. tlsEnabled adds CLIENT_SSL when the listener is
// configured with a client-facing certificate.
func ServerCapabilities(tlsEnabled bool) uint32 {
	caps := ClientProtocol41 | ClientPluginAuth | ClientPluginAuthLenencClientData |
		ClientSecureConnection | ClientConnectWithDB | ClientConnectAttrs |
		ClientDeprecateEOF | ClientMultiResults | ClientMultiStatements |
		ClientPSMultiResults | ClientSessionTrack | ClientTransactions |
		ClientFoundRows | ClientLongFlag | ClientLongPassword | ClientInteractive |
		ClientLocalFiles | ClientIgnoreSigpipe | ClientIgnoreSpace | ClientNoSchema |
		ClientRememberOptions | ClientReserved | ClientOptionalResultsetMetadata
	if tlsEnabled {
		caps |= ClientSSL
	}
	return caps
}

// Server status flags, reported in OK/EOF packets.
const (
	StatusInTrans           uint16 = 0x0001
	StatusAutocommit        uint16 = 0x0002
	StatusMoreResultsExists uint16 = 0x0008
	StatusCursorExists      uint16 = 0x0040
)
