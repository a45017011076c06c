package backend

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
)

// sslRequestCode is the magic protocol version of an SSLRequest message.
const sslRequestCode = 80877103

// negotiateSSL opportunistically upgrades a backend transport to TLS,
// honoring the backend's accept/refuse reply. With mode "disable" no
// request is sent; with "prefer" a refusal falls back to plaintext; with
// "require" a refusal is an error. Returns the (possibly upgraded)
// transport and a buffered stream over it.
func negotiateSSL(conn net.Conn, rw *bufio.ReadWriter, mode, host string) (net.Conn, *bufio.ReadWriter, error) {
	if mode == "disable" {
		return conn, rw, nil
	}

	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[:4], 8)
	binary.BigEndian.PutUint32(req[4:], sslRequestCode)
	if _, err := rw.Write(req); err != nil {
		return conn, rw, fmt.Errorf("sending SSLRequest: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return conn, rw, fmt.Errorf("flushing SSLRequest: %w", err)
	}

	reply, err := rw.ReadByte()
	if err != nil {
		return conn, rw, fmt.Errorf("reading SSLRequest reply: %w", err)
	}

	switch reply {
	case 'S':
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, //nolint:gosec // "prefer" semantics: encrypt, trust the cluster
			MinVersion:         tls.VersionTLS12,
		})
		if err := tlsConn.Handshake(); err != nil {
			return conn, rw, fmt.Errorf("TLS handshake with backend: %w", err)
		}
		return tlsConn, bufio.NewReadWriter(bufio.NewReader(tlsConn), bufio.NewWriter(tlsConn)), nil
	case 'N':
		if mode == "require" {
			return conn, rw, fmt.Errorf("backend refused SSL but ssl_mode is require")
		}
		return conn, rw, nil
	default:
		return conn, rw, fmt.Errorf("unexpected SSLRequest reply: %q", reply)
	}
}
