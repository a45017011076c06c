package backend

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// authenticate drives the authentication phase of a freshly opened slot.
// The startup packet must already be on the wire. It answers cleartext,
// MD5 and SCRAM-SHA-256 challenges, collects ParameterStatus and
// BackendKeyData along the way, and returns once the backend reports
// ReadyForQuery.
func authenticate(s *Slot, password string) error {
	params := make(map[string]string)
	var backendPID, backendKey uint32

	for {
		msgType, payload, err := readMessage(s.rw)
		if err != nil {
			return fmt.Errorf("reading auth message: %w", err)
		}

		switch msgType {
		case msgAuthentication:
			if len(payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // AuthenticationCleartextPassword
				if err := sendPassword(s, password); err != nil {
					return err
				}
			case 5: // AuthenticationMD5Password
				if len(payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				salt := payload[4:8]
				if err := sendPassword(s, computeMD5Password(s.startup.User, password, salt)); err != nil {
					return err
				}
			case 10: // AuthenticationSASL (SCRAM-SHA-256)
				if err := scramSHA256Auth(s.rw, s.startup.User, password, payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case msgParameterStatus:
			key, val := parseNullTerminatedPair(payload)
			if key != "" {
				params[key] = val
			}

		case msgBackendKeyData:
			if len(payload) >= 8 {
				backendPID = binary.BigEndian.Uint32(payload[:4])
				backendKey = binary.BigEndian.Uint32(payload[4:8])
			}

		case msgReadyForQuery:
			s.serverParams = params
			s.backendPID = backendPID
			s.backendKey = backendKey
			return nil

		case msgErrorResponse:
			return fmt.Errorf("backend error during auth: %s", parseErrorMessage(payload))

		case msgNoticeResponse:
			continue

		default:
			// Skip unknown messages during startup
			continue
		}
	}
}

// sendPassword sends a password message ('p') and flushes it.
func sendPassword(s *Slot, password string) error {
	payload := append([]byte(password), 0)
	if err := writeMessage(s.rw, msgPassword, payload); err != nil {
		return fmt.Errorf("sending password: %w", err)
	}
	if err := s.rw.Flush(); err != nil {
		return fmt.Errorf("flushing password: %w", err)
	}
	return nil
}

// computeMD5Password computes the PostgreSQL MD5 password hash.
// Formula: "md5" + md5(md5(password + user) + salt)
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}
