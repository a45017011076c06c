package backend

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxStartupData bounds the serialised key/value block of a startup packet.
const maxStartupData = 1024

// protoVersion3 is the v3 protocol version word sent in the startup packet.
const protoVersion3 = 0x00030000

var (
	// ErrUserNameTooLong is returned when the user parameter does not fit
	// the startup packet.
	ErrUserNameTooLong = errors.New("user name is too long")

	// ErrDatabaseNameTooLong is returned when the database parameter does
	// not fit the startup packet.
	ErrDatabaseNameTooLong = errors.New("database name is too long")
)

// ConnectError reports that the transport to a backend could not be
// established.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to make persistent db connection: connection to host:%q:%d failed: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports a failure surfaced from the authentication step.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("failed to make persistent db connection: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Opener establishes persistent backend sessions.
type Opener struct {
	// SSLMode is the backend-side TLS policy: disable, prefer or require.
	SSLMode string

	// DialTimeout bounds a single transport connect attempt.
	DialTimeout time.Duration
}

// OpenPersistent opens a persistent session to the backend at host:port
// and wraps it in a Slot owned by the caller. A host starting with '/' is
// taken as a UNIX-domain socket directory; the port then only selects the
// socket file name. When retry is true the transport connect is retried
// with exponential backoff before giving up.
//
// On any failure the transport is closed and nothing allocated by the
// call survives; the caller receives only the error.
func (o *Opener) OpenPersistent(nodeID int, host string, port int, dbname, user, password string, retry bool) (*Slot, error) {
	conn, err := o.dial(host, port, retry)
	if err != nil {
		return nil, &ConnectError{Host: host, Port: port, Err: err}
	}

	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	conn, rw, err = negotiateSSL(conn, rw, o.sslMode(), host)
	if err != nil {
		return nil, &ConnectError{Host: host, Port: port, Err: err}
	}

	data, err := buildStartupData(user, dbname)
	if err != nil {
		return nil, fmt.Errorf("failed to make persistent db connection: %w", err)
	}

	raw := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(raw[:4], protoVersion3)
	copy(raw[4:], data)

	slot := &Slot{
		conn:   conn,
		rw:     rw,
		nodeID: nodeID,
		startup: &StartupRecord{
			RawPacket: raw,
			PacketLen: len(data),
			Len:       len(raw),
			Major:     3,
			Minor:     0,
			Database:  dbname,
			User:      user,
		},
	}

	if err := sendStartupPacket(slot); err != nil {
		return nil, err
	}
	if err := authenticate(slot, password); err != nil {
		return nil, &AuthError{Err: err}
	}

	ok = true
	return slot, nil
}

// OpenPersistentNoError is a wrapper over OpenPersistent which reports
// errors to the log instead of returning them; a nil Slot signals failure.
func (o *Opener) OpenPersistentNoError(nodeID int, host string, port int, dbname, user, password string, retry bool) *Slot {
	slot, err := o.OpenPersistent(nodeID, host, port, dbname, user, password, retry)
	if err != nil {
		slog.Error("failed to make persistent db connection",
			"node", nodeID, "host", host, "port", port, "err", err)
		return nil
	}
	return slot
}

func (o *Opener) sslMode() string {
	if o.SSLMode == "" {
		return "prefer"
	}
	return o.SSLMode
}

func (o *Opener) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return o.DialTimeout
}

// dial connects the backend transport: UNIX-domain when host is a socket
// directory, TCP otherwise.
func (o *Opener) dial(host string, port int, retry bool) (net.Conn, error) {
	network, addr := "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port))
	if host != "" && host[0] == '/' {
		// PostgreSQL socket naming convention within the directory.
		network, addr = "unix", filepath.Join(host, fmt.Sprintf(".s.PGSQL.%d", port))
	}

	dialer := net.Dialer{
		Timeout:   o.dialTimeout(),
		KeepAlive: 30 * time.Second,
	}

	connect := func() (net.Conn, error) {
		return dialer.Dial(network, addr)
	}

	if !retry {
		return connect()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(context.Background(), connect,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(5),
	)
}

// buildStartupData serialises the startup parameters as NUL-terminated
// strings: "user", the user, "database", the database, then the final NUL
// sentinel. Appends are length-checked against the fixed packet capacity.
func buildStartupData(user, dbname string) ([]byte, error) {
	data := make([]byte, 0, 64)

	data = appendParam(data, "user")
	var err error
	if data, err = appendChecked(data, user, ErrUserNameTooLong); err != nil {
		return nil, err
	}
	if data, err = appendChecked(data, "database", ErrDatabaseNameTooLong); err != nil {
		return nil, err
	}
	if data, err = appendChecked(data, dbname, ErrDatabaseNameTooLong); err != nil {
		return nil, err
	}
	if len(data)+1 > maxStartupData {
		return nil, ErrDatabaseNameTooLong
	}
	data = append(data, 0)
	return data, nil
}

func appendParam(data []byte, s string) []byte {
	data = append(data, s...)
	return append(data, 0)
}

func appendChecked(data []byte, s string, overflow error) ([]byte, error) {
	if len(data)+len(s)+1 > maxStartupData {
		return nil, overflow
	}
	return appendParam(data, s), nil
}

// sendStartupPacket writes the startup frame: the 4-byte network-order
// total length followed by the serialised packet, then flushes.
func sendStartupPacket(s *Slot) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(s.startup.Len+4))
	if _, err := s.rw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("sending startup packet length: %w", err)
	}
	if _, err := s.rw.Write(s.startup.RawPacket); err != nil {
		return fmt.Errorf("sending startup packet: %w", err)
	}
	if err := s.rw.Flush(); err != nil {
		return fmt.Errorf("flushing startup packet: %w", err)
	}
	return nil
}
