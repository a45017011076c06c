package proxy

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"
)

const (
	// PostgreSQL protocol version 3.0
	pgProtoVersion = 3<<16 | 0

	// SSL request magic number
	pgSSLRequestCode = 80877103

	// Message types
	pgMsgAuthentication  byte = 'R'
	pgMsgErrorResponse   byte = 'E'
	pgMsgReadyForQuery   byte = 'Z'
	pgMsgParameterStatus byte = 'S'
	pgMsgBackendKeyData  byte = 'K'
)

// handleSession processes one client connection: read the startup
// message, pick a backend node, open a persistent session against it,
// hand the client a synthesized authentication-ok sequence and relay
// bytes until either side goes away.
func (s *Server) handleSession(ctx context.Context, clientConn net.Conn) error {
	params, clientConn, err := s.readStartupMessage(clientConn)
	if err != nil {
		return fmt.Errorf("reading startup message: %w", err)
	}

	user := params["user"]
	database := params["database"]
	appName := params["application_name"]
	if database == "" {
		database = user
	}
	if user == "" {
		sendPGError(clientConn, "FATAL", "08000", "no user provided in startup message")
		return fmt.Errorf("no user in startup message")
	}

	node := s.balancer.SelectNode(database, appName)
	if s.metrics != nil {
		s.metrics.NodeSelected(node)
	}

	info := s.state.Snapshot().Info(node)
	if info.ID < 0 {
		sendPGError(clientConn, "FATAL", "08000", "no backend node available")
		return fmt.Errorf("selected node %d does not exist", node)
	}

	creds, opener := s.credentials()

	handshakeStart := time.Now()
	slot, err := opener.OpenPersistent(node, info.Host, info.Port, database, creds.User, creds.Password, false)
	if s.metrics != nil {
		s.metrics.HandshakeCompleted(node, time.Since(handshakeStart), err == nil)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.HandshakeFailed(node, "open")
		}
		sendPGError(clientConn, "FATAL", "08000", fmt.Sprintf("cannot connect to backend node %d: %s", node, err))
		return err
	}
	defer s.slots.Release(slot)
	s.slots.Register(slot)

	log.Printf("[proxy] session for user=%s db=%s routed to node %d (%s:%d)",
		user, database, node, info.Host, info.Port)

	if err := sendSyntheticAuthOK(clientConn, slot.ServerParams(), slot.BackendPID(), slot.BackendKey()); err != nil {
		return fmt.Errorf("sending synthetic auth: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SessionStarted(node)
	}
	start := time.Now()
	err = relay(ctx, clientConn, slot.Conn(), slot.Reader())
	if s.metrics != nil {
		s.metrics.SessionEnded(node, time.Since(start))
	}
	return err
}

// readStartupMessage reads the client's startup message and returns its
// parameters. Handles SSL negotiation as a loop (max 3 attempts) so a
// misbehaving client cannot recurse us into the ground.
func (s *Server) readStartupMessage(conn net.Conn) (map[string]string, net.Conn, error) {
	const maxSSLAttempts = 3
	currentConn := conn

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(currentConn, lenBuf); err != nil {
			return nil, currentConn, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf))

		if msgLen < 8 || msgLen > 10000 {
			return nil, currentConn, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		buf := make([]byte, msgLen-4)
		if _, err := io.ReadFull(currentConn, buf); err != nil {
			return nil, currentConn, fmt.Errorf("reading startup body: %w", err)
		}

		protoVersion := binary.BigEndian.Uint32(buf[:4])
		if protoVersion == pgSSLRequestCode {
			if s.tlsConf != nil {
				// Accept SSL — upgrade the connection
				currentConn.Write([]byte{'S'})
				tlsConn := tls.Server(currentConn, s.tlsConf)
				if err := tlsConn.Handshake(); err != nil {
					return nil, currentConn, fmt.Errorf("TLS handshake failed: %w", err)
				}
				currentConn = tlsConn
			} else {
				// Deny SSL, tell client to retry without SSL
				currentConn.Write([]byte{'N'})
			}
			// Client should retry with a normal startup message
			continue
		}

		if protoVersion != pgProtoVersion {
			return nil, currentConn, fmt.Errorf("unsupported protocol version: %08x", protoVersion)
		}

		return parseStartupParams(buf[4:]), currentConn, nil
	}

	return nil, currentConn, fmt.Errorf("too many SSL negotiation attempts")
}

// parseStartupParams parses the null-terminated key/value pairs that
// follow the protocol version in a startup message.
func parseStartupParams(data []byte) map[string]string {
	params := make(map[string]string)
	for len(data) > 1 {
		keyEnd := 0
		for keyEnd < len(data) && data[keyEnd] != 0 {
			keyEnd++
		}
		if keyEnd >= len(data) {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := 0
		for valEnd < len(data) && data[valEnd] != 0 {
			valEnd++
		}
		if valEnd >= len(data) {
			break
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		params[key] = value
	}
	return params
}

// sendSyntheticAuthOK sends a synthetic authentication-ok sequence to the client:
// AuthenticationOk + the backend's ParameterStatus values + BackendKeyData +
// ReadyForQuery('I'). The backend handshake already happened on our side.
func sendSyntheticAuthOK(client net.Conn, serverParams map[string]string, pid, key uint32) error {
	authOK := make([]byte, 4)
	binary.BigEndian.PutUint32(authOK, 0)
	if err := writePGMessage(client, pgMsgAuthentication, authOK); err != nil {
		return err
	}

	for k, v := range serverParams {
		var payload []byte
		payload = append(payload, k...)
		payload = append(payload, 0)
		payload = append(payload, v...)
		payload = append(payload, 0)
		if err := writePGMessage(client, pgMsgParameterStatus, payload); err != nil {
			return err
		}
	}

	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], pid)
	binary.BigEndian.PutUint32(bkd[4:], key)
	if err := writePGMessage(client, pgMsgBackendKeyData, bkd); err != nil {
		return err
	}

	return writePGMessage(client, pgMsgReadyForQuery, []byte{'I'})
}

// writePGMessage writes a PostgreSQL protocol message.
func writePGMessage(conn net.Conn, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

// sendPGError sends a PostgreSQL ErrorResponse to the client.
func sendPGError(conn net.Conn, severity, code, message string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0) // terminator

	writePGMessage(conn, pgMsgErrorResponse, buf)
}
