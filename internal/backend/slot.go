package backend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// StartupRecord holds the startup parameters sent to the backend and
// needed later by the session layer.
type StartupRecord struct {
	// RawPacket is the serialised startup payload: the 4-byte protocol
	// version followed by the NUL-terminated key/value block. The 4-byte
	// length prefix written on the wire is not part of it.
	RawPacket []byte

	// PacketLen is the length of the key/value block alone, Len the length
	// of RawPacket (PacketLen plus the protocol version).
	PacketLen int
	Len       int

	Major int
	Minor int

	Database        string
	User            string
	ApplicationName string
}

// Slot is an owned handle to one established backend session. It is
// created by OpenPersistent and torn down by Discard; the transport is
// open exactly while closeTime is zero.
type Slot struct {
	conn      net.Conn
	rw        *bufio.ReadWriter
	nodeID    int
	closeTime time.Time
	startup   *StartupRecord

	serverParams map[string]string
	backendPID   uint32
	backendKey   uint32
}

// NodeID returns the logical backend this slot belongs to.
func (s *Slot) NodeID() int { return s.nodeID }

// Conn returns the underlying transport.
func (s *Slot) Conn() net.Conn { return s.conn }

// Reader returns the slot's buffered read side. Callers taking over the
// session must read through it: the handshake may have read ahead.
func (s *Slot) Reader() io.Reader { return s.rw.Reader }

// Startup returns the slot's startup record.
func (s *Slot) Startup() *StartupRecord { return s.startup }

// Open reports whether the slot's transport is still open.
func (s *Slot) Open() bool { return s.conn != nil && s.closeTime.IsZero() }

// ServerParams returns the ParameterStatus values collected during the
// handshake.
func (s *Slot) ServerParams() map[string]string { return s.serverParams }

// BackendPID returns the backend process id from BackendKeyData.
func (s *Slot) BackendPID() uint32 { return s.backendPID }

// BackendKey returns the cancellation key from BackendKeyData.
func (s *Slot) BackendKey() uint32 { return s.backendKey }

// SimpleQuery issues sql over the slot as a simple query and returns the
// first column of the first data row. Responses are drained through
// ReadyForQuery so the session stays usable afterwards.
func (s *Slot) SimpleQuery(sql string) (string, error) {
	if !s.Open() {
		return "", fmt.Errorf("slot is closed")
	}

	payload := append([]byte(sql), 0)
	if err := writeMessage(s.rw, msgQuery, payload); err != nil {
		return "", fmt.Errorf("sending query: %w", err)
	}
	if err := s.rw.Flush(); err != nil {
		return "", fmt.Errorf("flushing query: %w", err)
	}

	var result string
	var haveRow bool
	var queryErr error

	for {
		msgType, body, err := readMessage(s.rw)
		if err != nil {
			return "", fmt.Errorf("reading query response: %w", err)
		}
		switch msgType {
		case msgDataRow:
			if !haveRow {
				result, err = firstDataRowColumn(body)
				if err != nil {
					queryErr = err
				}
				haveRow = true
			}
		case msgErrorResponse:
			queryErr = fmt.Errorf("backend error: %s", parseErrorMessage(body))
		case msgReadyForQuery:
			if queryErr != nil {
				return "", queryErr
			}
			if !haveRow {
				return "", fmt.Errorf("query returned no rows")
			}
			return result, nil
		}
	}
}

// Discard writes the terminate message onto the transport, flushes it
// best-effort, closes the transport and releases the slot's memory.
//
// The flush runs under a short write deadline: the peer may already have
// closed its side, and a blocking flush here must not wedge the worker or
// feed the failover machinery. Flush errors are swallowed for the same
// reason.
func (s *Slot) Discard() {
	if s == nil {
		return
	}
	if s.conn != nil && s.closeTime.IsZero() {
		s.rw.WriteByte(msgTerminate)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 4)
		s.rw.Write(lenBuf[:])

		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.rw.Flush()
		s.conn.SetWriteDeadline(time.Time{})

		s.conn.Close()
	}
	s.closeTime = time.Now()
	s.conn = nil
	s.rw = nil
	s.startup = nil
	s.serverParams = nil
}
