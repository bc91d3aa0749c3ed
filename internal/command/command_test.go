package command

import (
	"testing"

	"github.com/sqlwarden/sqlwarden/internal/wire"
)

func TestExtractQuery(t *testing.T) {
	p := wire.Packet{Seq: 5, Payload: append([]byte{ByteQuery}, "SELECT 1"...)}
	cmd, perr := Extract(p)
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if cmd.Type != Query {
		t.Errorf("type = %v, want Query", cmd.Type)
	}
	if string(cmd.SQL) != "SELECT 1" {
		t.Errorf("sql = %q", cmd.SQL)
	}
	if !cmd.Type.IsQuery() {
		t.Error("IsQuery() = false, want true")
	}
}

func TestExtractNonQueryHasNoSQL(t *testing.T) {
	p := wire.Packet{Payload: []byte{ByteQuit}}
	cmd, perr := Extract(p)
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if cmd.Type != Quit {
		t.Errorf("type = %v, want Quit", cmd.Type)
	}
	if cmd.SQL != nil {
		t.Errorf("sql = %q, want nil", cmd.SQL)
	}
}

func TestExtractEmptyPayload(t *testing.T) {
	_, perr := Extract(wire.Packet{Payload: nil})
	if perr == nil || perr.Kind != wire.ErrMalformedPacket {
		t.Fatalf("want MalformedPacket, got %v", perr)
	}
}

func TestExtractUnrecognizedByte(t *testing.T) {
	_, perr := Extract(wire.Packet{Payload: []byte{0x99}})
	if perr == nil || perr.Kind != wire.ErrUnsupportedCommand {
		t.Fatalf("want UnsupportedCommand, got %v", perr)
	}
}
