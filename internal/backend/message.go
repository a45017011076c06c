package backend

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PostgreSQL v3 protocol message types seen on a backend session.
const (
	msgAuthentication  byte = 'R'
	msgErrorResponse   byte = 'E'
	msgNoticeResponse  byte = 'N'
	msgReadyForQuery   byte = 'Z'
	msgTerminate       byte = 'X'
	msgQuery           byte = 'Q'
	msgPassword        byte = 'p'
	msgParameterStatus byte = 'S'
	msgBackendKeyData  byte = 'K'
	msgRowDescription  byte = 'T'
	msgDataRow         byte = 'D'
	msgCommandComplete byte = 'C'
	msgEmptyQuery      byte = 'I'
)

// readMessage reads a single typed protocol message (type byte + length + payload).
func readMessage(r io.Reader) (byte, []byte, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	payloadLen := int(binary.BigEndian.Uint32(hdr[1:5])) - 4
	if payloadLen < 0 || payloadLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid message length: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return hdr[0], payload, nil
}

// writeMessage writes a typed protocol message.
func writeMessage(w io.Writer, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// parseNullTerminatedPair parses a "key\0value\0" buffer.
func parseNullTerminatedPair(data []byte) (string, string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key := string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

// parseErrorMessage extracts the message ('M') field from an ErrorResponse payload.
func parseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}

// firstDataRowColumn extracts the first column of a DataRow payload.
// Format: int16 field count, then per field an int32 length and the bytes.
func firstDataRowColumn(payload []byte) (string, error) {
	if len(payload) < 6 {
		return "", fmt.Errorf("data row too short")
	}
	nfields := int(binary.BigEndian.Uint16(payload[:2]))
	if nfields < 1 {
		return "", fmt.Errorf("data row has no fields")
	}
	flen := int(int32(binary.BigEndian.Uint32(payload[2:6])))
	if flen < 0 {
		return "", nil // NULL column
	}
	if 6+flen > len(payload) {
		return "", fmt.Errorf("data row field overruns payload")
	}
	return string(payload[6 : 6+flen]), nil
}
