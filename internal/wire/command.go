package wire

import "encoding/binary"

// Command opcodes, the first byte of a client command packet.
const (
	ComSleep            byte = 0x00
	ComQuit             byte = 0x01
	ComInitDB           byte = 0x02
	ComQuery            byte = 0x03
	ComFieldList        byte = 0x04
	ComCreateDB         byte = 0x05
	ComDropDB           byte = 0x06
	ComRefresh          byte = 0x07
	ComShutdown         byte = 0x08
	ComStatistics       byte = 0x09
	ComProcessInfo      byte = 0x0a
	ComConnect          byte = 0x0b
	ComProcessKill      byte = 0x0c
	ComDebug            byte = 0x0d
	ComPing             byte = 0x0e
	ComTime             byte = 0x0f
	ComDelayedInsert    byte = 0x10
	ComChangeUser       byte = 0x11
	ComBinlogDump       byte = 0x12
	ComTableDump        byte = 0x13
	ComConnectOut       byte = 0x14
	ComRegisterSlave    byte = 0x15
	ComStmtPrepare      byte = 0x16
	ComStmtExecute      byte = 0x17
	ComStmtSendLongData byte = 0x18
	ComStmtClose        byte = 0x19
	ComStmtReset        byte = 0x1a
	ComSetOption        byte = 0x1b
	ComStmtFetch        byte = 0x1c
	ComDaemon           byte = 0x1d
	ComBinlogDumpGtid   byte = 0x1e
	ComResetConnection  byte = 0x1f
)

// Command is a decoded client command packet. Only the fields relevant to
// the opcode are populated.
type Command struct {
	Opcode byte

	// Blob is the verbatim remainder for opcodes whose payload is an
	// uninterpreted byte string: QUERY, FIELD_LIST, INIT_DB, STMT_PREPARE,
	// and any opcode this proxy doesn't specifically decode.
	Blob []byte

	// StmtID is populated for STMT_EXECUTE, STMT_SEND_LONG_DATA, STMT_CLOSE.
	StmtID uint32
	// Flags and Iterations are populated for STMT_EXECUTE.
	Flags      byte
	Iterations uint32
	// ParamID is populated for STMT_SEND_LONG_DATA.
	ParamID uint16
	// Params is the remainder after a STMT_EXECUTE or STMT_SEND_LONG_DATA
	// fixed header: bound parameter data this proxy never interprets.
	Params []byte
}

// ParseCommand decodes the first payload byte of a client packet against
// the opcode table. Opcodes this proxy doesn't specifically decode are
// returned with their raw payload in Blob, routing to the generic forwarder.
func ParseCommand(payload []byte) Command {
	if len(payload) == 0 {
		return Command{}
	}
	op := payload[0]
	body := payload[1:]

	switch op {
	case ComQuery, ComFieldList, ComInitDB, ComStmtPrepare:
		return Command{Opcode: op, Blob: body}

	case ComStmtExecute:
		if len(body) < 9 {
			return Command{Opcode: op, Blob: body}
		}
		return Command{
			Opcode:     op,
			StmtID:     binary.LittleEndian.Uint32(body[0:4]),
			Flags:      body[4],
			Iterations: binary.LittleEndian.Uint32(body[5:9]),
			Params:     body[9:],
		}

	case ComStmtSendLongData:
		if len(body) < 6 {
			return Command{Opcode: op, Blob: body}
		}
		return Command{
			Opcode:  op,
			StmtID:  binary.LittleEndian.Uint32(body[0:4]),
			ParamID: binary.LittleEndian.Uint16(body[4:6]),
			Params:  body[6:],
		}

	case ComStmtClose, ComStmtReset:
		if len(body) < 4 {
			return Command{Opcode: op, Blob: body}
		}
		return Command{Opcode: op, StmtID: binary.LittleEndian.Uint32(body[0:4])}

	case ComQuit, ComPing, ComResetConnection:
		return Command{Opcode: op}

	default:
		return Command{Opcode: op, Blob: body}
	}
}
