// Package forward relays one client command's backend reply (or replies)
// back to the client, preserving sequence ids and classifying packet
// boundaries along the way. Adapted from the teacher's drainMySQLResponse
// into one forwarder per command shape, since a single boundary rule
// (OK/EOF with SERVER_STATUS_IN_TRANS clear) only covers the
// transaction-mode relay the teacher built, not the full per-command
// protocol surface a session-pinned proxy has to speak.
package forward

import (
	"fmt"

	"github.com/dbgateway/dbgateway/internal/proxyerr"
	"github.com/dbgateway/dbgateway/internal/wire"
)

// Exchange bundles the packet-level reader/writer pair for both directions
// of one client session, plus the negotiated capabilities a forwarder needs
// to pick its result-set framing.
type Exchange struct {
	ClientReader *wire.Reader
	ClientWriter *wire.Writer
	BackendReader *wire.Reader
	BackendWriter *wire.Writer

	Opcode       byte
	DeprecateEOF bool
}

// Forwarder relays a backend's reply to a command already written to the
// backend, applying whatever protocol-specific framing that command's
// reply shape requires.
type Forwarder interface {
	Forward(ex *Exchange) error
}

// Dispatch picks the forwarder for opcode, per the command table the
// session engine keys its write_to_backend/forward split on.
func Dispatch(opcode byte) Forwarder {
	switch opcode {
	case wire.ComStmtPrepare, wire.ComStmtClose:
		return PreparedStatementForwarder{}
	case wire.ComQuery, wire.ComStmtExecute, wire.ComProcessInfo, wire.ComFieldList, wire.ComStmtFetch:
		return QueryForwarder{}
	case wire.ComQuit:
		return QuitForwarder{}
	case wire.ComChangeUser:
		return ChangeUserForwarder{}
	default:
		return GenericForwarder{}
	}
}

// forwardOne relays exactly one packet from the backend to the client,
// preserving its sequence id, and returns the payload for classification.
func forwardOne(ex *Exchange) (payload []byte, err error) {
	seq, payload, err := ex.BackendReader.ReadPacket()
	if err != nil {
		return nil, proxyerr.New(proxyerr.BackendIO, "forward.forwardOne", fmt.Errorf("reading backend reply: %w", err))
	}
	if err := ex.ClientWriter.WritePacket(seq, payload); err != nil {
		return nil, proxyerr.New(proxyerr.ClientProtocol, "forward.forwardOne", fmt.Errorf("forwarding reply to client: %w", err))
	}
	return payload, nil
}

// GenericForwarder relays exactly one backend reply packet to the client.
// It is the fallback for every command this proxy doesn't parse more
// deeply: COM_PING, COM_INIT_DB, COM_SET_OPTION, and anything unrecognized.
type GenericForwarder struct{}

func (GenericForwarder) Forward(ex *Exchange) error {
	_, err := forwardOne(ex)
	return err
}

// QuitForwarder performs no client-facing relay; the session engine never
// forwards COM_QUIT itself. It exists so the forwarder table has an entry
// for ComQuit and so a caller driving the pool-side COM_RESET_CONNECTION
// acknowledgement can reuse the forwarder dispatch uniformly.
type QuitForwarder struct{}

func (QuitForwarder) Forward(ex *Exchange) error { return nil }

// ChangeUserForwarder drives the AuthSwitchRequest dance after a
// COM_CHANGE_USER has been written to the backend with the sentinel auth
// plugin name: relay one backend reply; OK or ERR terminate the loop,
// anything else is assumed to be an AuthSwitchRequest and is relayed to
// the client, whose response is read and relayed back to the backend.
type ChangeUserForwarder struct{}

func (ChangeUserForwarder) Forward(ex *Exchange) error {
	for {
		payload, err := forwardOne(ex)
		if err != nil {
			return err
		}
		if wire.IsOK(payload) {
			return nil
		}
		if wire.IsERR(payload) {
			return proxyerr.New(proxyerr.AuthDenied, "forward.ChangeUserForwarder", fmt.Errorf("backend denied change-user"))
		}

		_, clientResp, err := ex.ClientReader.ReadPacket()
		if err != nil {
			return proxyerr.New(proxyerr.ClientProtocol, "forward.ChangeUserForwarder", fmt.Errorf("reading client auth-switch response: %w", err))
		}
		if err := ex.BackendWriter.WritePacket(ex.BackendWriter.Seq(), clientResp); err != nil {
			return proxyerr.New(proxyerr.BackendIO, "forward.ChangeUserForwarder", fmt.Errorf("forwarding auth-switch response to backend: %w", err))
		}
	}
}

// QueryForwarder handles every command whose reply is either a terminal
// OK/ERR or a result set: COM_QUERY, COM_STMT_EXECUTE, COM_PROCESS_INFO
// (OK/ERR/column-count-prefixed phase first) and COM_FIELD_LIST,
// COM_STMT_FETCH (column-only, no leading OK/column-count phase).
type QueryForwarder struct{}

func (QueryForwarder) Forward(ex *Exchange) error {
	switch ex.Opcode {
	case wire.ComFieldList, wire.ComStmtFetch:
		return resultSetBody(ex)
	default:
		return queryReply(ex)
	}
}

// queryReply reads the first reply packet and either terminates on
// OK/ERR or falls into the result-set body once a column-count header is
// seen. An OK carrying SERVER_MORE_RESULTS_EXISTS restarts the loop for
// the next result set in a multi-statement reply.
func queryReply(ex *Exchange) error {
	for {
		payload, err := forwardOne(ex)
		if err != nil {
			return err
		}
		switch {
		case wire.IsERR(payload):
			return nil
		case wire.IsLocalInfile(payload):
			return proxyerr.New(proxyerr.ClientProtocol, "forward.queryReply", fmt.Errorf("LOCAL INFILE requests are not supported"))
		case wire.IsOK(payload):
			if wire.StatusFlags(payload)&statusMoreResultsExists != 0 {
				continue
			}
			return nil
		default:
			// Column-count header: enter the result-set body.
			return resultSetBody(ex)
		}
	}
}

// statusMoreResultsExists is SERVER_MORE_RESULTS_EXISTS, set on an OK
// packet when another result set follows in the same reply.
const statusMoreResultsExists = 0x0008

// statusCursorExists is SERVER_STATUS_CURSOR_EXISTS: the column
// definitions were sent but rows are withheld for a later COM_STMT_FETCH.
const statusCursorExists = 0x0040

// resultSetBody forwards a column-definition phase (absent
// CLIENT_DEPRECATE_EOF, terminated by a classic EOF) followed by the row
// phase, terminated by an ERR, a classic EOF, or a deprecate-EOF-style
// trailing OK-shaped packet.
func resultSetBody(ex *Exchange) error {
	if !ex.DeprecateEOF {
		for {
			payload, err := forwardOne(ex)
			if err != nil {
				return err
			}
			if wire.IsEOF(payload) {
				if wire.StatusFlags(payload)&statusCursorExists != 0 {
					return nil
				}
				break
			}
		}
	}

	for {
		payload, err := forwardOne(ex)
		if err != nil {
			return err
		}
		switch {
		case wire.IsERR(payload):
			return nil
		case wire.IsEOF(payload):
			return nil
		case wire.IsResultSetEOF(payload):
			return nil
		}
	}
}

// PreparedStatementForwarder handles COM_STMT_PREPARE (forward the OK/ERR,
// then the column and parameter definition packets it announces) and
// COM_STMT_CLOSE (no reply exists on the wire; nothing to forward).
type PreparedStatementForwarder struct{}

func (PreparedStatementForwarder) Forward(ex *Exchange) error {
	if ex.Opcode == wire.ComStmtClose {
		return nil
	}

	payload, err := forwardOne(ex)
	if err != nil {
		return err
	}
	if wire.IsERR(payload) {
		return nil
	}

	numColumns, numParams, ok := parseStmtPrepareOK(payload)
	if !ok {
		return proxyerr.New(proxyerr.ClientProtocol, "forward.PreparedStatementForwarder", fmt.Errorf("malformed STMT_PREPARE OK packet"))
	}

	remaining := int(numColumns) + int(numParams)
	if !ex.DeprecateEOF {
		if numParams > 0 {
			remaining++
		}
		if numColumns > 0 {
			remaining++
		}
	}
	for i := 0; i < remaining; i++ {
		if _, err := forwardOne(ex); err != nil {
			return err
		}
	}
	return nil
}

// parseStmtPrepareOK extracts num_columns (bytes 5..7) and num_params
// (bytes 7..9) from a COM_STMT_PREPARE OK packet.
func parseStmtPrepareOK(payload []byte) (numColumns, numParams uint16, ok bool) {
	if len(payload) < 9 {
		return 0, 0, false
	}
	numColumns = uint16(payload[5]) | uint16(payload[6])<<8
	numParams = uint16(payload[7]) | uint16(payload[8])<<8
	return numColumns, numParams, true
}
