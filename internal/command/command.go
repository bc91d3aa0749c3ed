// Package command maps a post-handshake MySQL packet's first byte to a
// tagged command variant, extracting the SQL text for COM_QUERY.
package command

import "github.com/sqlwarden/sqlwarden/internal/wire"

// Type is a post-handshake command tag.
type Type int

const (
	Unknown Type = iota
	Quit
	InitDB
	Query
	FieldList
	CreateDB
	DropDB
	Refresh
	Statistics
	ProcessInfo
	ProcessKill
	Ping
	StmtPrepare
	StmtExecute
	StmtClose
	SetOption
	ResetConnection
)

// Command byte values, per MySQL's Text Protocol command set
// (https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_command_phase.html).
const (
	ByteQuit             byte = 0x01
	ByteInitDB           byte = 0x02
	ByteQuery            byte = 0x03
	ByteFieldList        byte = 0x04
	ByteCreateDB         byte = 0x05
	ByteDropDB           byte = 0x06
	ByteRefresh          byte = 0x07
	ByteStatistics       byte = 0x09
	ByteProcessInfo      byte = 0x0a
	ByteProcessKill      byte = 0x0c
	BytePing             byte = 0x0e
	ByteStmtPrepare      byte = 0x16
	ByteStmtExecute      byte = 0x17
	ByteStmtClose        byte = 0x19
	ByteSetOption        byte = 0x1b
	ByteResetConnection  byte = 0x1f
)

var byteToType = map[byte]Type{
	ByteQuit:            Quit,
	ByteInitDB:          InitDB,
	ByteQuery:           Query,
	ByteFieldList:       FieldList,
	ByteCreateDB:        CreateDB,
	ByteDropDB:          DropDB,
	ByteRefresh:         Refresh,
	ByteStatistics:      Statistics,
	ByteProcessInfo:     ProcessInfo,
	ByteProcessKill:     ProcessKill,
	BytePing:            Ping,
	ByteStmtPrepare:     StmtPrepare,
	ByteStmtExecute:     StmtExecute,
	ByteStmtClose:       StmtClose,
	ByteSetOption:       SetOption,
	ByteResetConnection: ResetConnection,
}

// Packet is a tagged post-handshake command. SQL is populated only for Query.
type Packet struct {
	Seq  byte
	Type Type
	SQL  []byte
}

// Extract classifies a post-handshake packet. An empty payload yields
// MalformedPacket; an unrecognized first byte yields UnsupportedCommand.
func Extract(p wire.Packet) (Packet, *wire.ParseError) {
	if len(p.Payload) == 0 {
		return Packet{}, &wire.ParseError{Kind: wire.ErrMalformedPacket, Message: "empty command payload"}
	}

	typ, ok := byteToType[p.Payload[0]]
	if !ok {
		return Packet{}, &wire.ParseError{Kind: wire.ErrUnsupportedCommand, Message: "unrecognized command byte"}
	}

	cmd := Packet{Seq: p.Seq, Type: typ}
	if typ == Query {
		cmd.SQL = p.Payload[1:]
	}
	return cmd, nil
}

// IsQuery reports whether a command type requires classification, injection
// scanning, and policy evaluation. Non-query commands are passed through to
// the upstream server untouched.
func (t Type) IsQuery() bool {
	return t == Query
}
