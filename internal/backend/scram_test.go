package backend

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// mockSCRAMBackend simulates a backend that authenticates the session via
// SCRAM-SHA-256. It performs the full exchange starting from the
// AuthenticationSASL message and reports failures on errCh.
func mockSCRAMBackend(conn net.Conn, password string, errCh chan<- error) {
	fail := func(format string, args ...interface{}) {
		errCh <- fmt.Errorf(format, args...)
	}

	// AuthenticationSASL (type 10) with the mechanism list.
	sasl := authPayload(10, []byte("SCRAM-SHA-256\x00\x00"))
	if err := writeMessage(conn, msgAuthentication, sasl); err != nil {
		fail("writing AuthenticationSASL: %v", err)
		return
	}

	// SASLInitialResponse: mechanism\0 + int32 len + client-first-message
	msgType, payload, err := readMessage(conn)
	if err != nil || msgType != msgPassword {
		fail("reading SASLInitialResponse: type=%c err=%v", msgType, err)
		return
	}
	nul := 0
	for nul < len(payload) && payload[nul] != 0 {
		nul++
	}
	if string(payload[:nul]) != "SCRAM-SHA-256" {
		fail("unexpected mechanism %q", payload[:nul])
		return
	}
	clientFirst := string(payload[nul+1+4:])
	if !strings.HasPrefix(clientFirst, "n,,n=") {
		fail("malformed client-first-message %q", clientFirst)
		return
	}
	clientFirstBare := strings.TrimPrefix(clientFirst, "n,,")
	clientNonce := clientFirstBare[strings.Index(clientFirstBare, ",r=")+3:]

	salt := []byte("0123456789abcdef")
	iterations := 4096
	serverNonce := clientNonce + "servernonce"
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)

	if err := writeMessage(conn, msgAuthentication, authPayload(11, []byte(serverFirst))); err != nil {
		fail("writing SASLContinue: %v", err)
		return
	}

	// SASLResponse: client-final-message with the proof.
	msgType, payload, err = readMessage(conn)
	if err != nil || msgType != msgPassword {
		fail("reading SASLResponse: type=%c err=%v", msgType, err)
		return
	}
	clientFinal := string(payload)
	proofIdx := strings.LastIndex(clientFinal, ",p=")
	if proofIdx < 0 {
		fail("client-final-message carries no proof: %q", clientFinal)
		return
	}
	clientFinalWithoutProof := clientFinal[:proofIdx]
	proof, err := base64.StdEncoding.DecodeString(clientFinal[proofIdx+3:])
	if err != nil {
		fail("decoding proof: %v", err)
		return
	}

	// Verify the proof the way a real backend would.
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	recoveredKey := xorBytes(proof, clientSignature)
	if string(sha256Sum(recoveredKey)) != string(storedKey) {
		fail("client proof does not verify")
		return
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)
	if err := writeMessage(conn, msgAuthentication, authPayload(12, []byte(serverFinal))); err != nil {
		fail("writing SASLFinal: %v", err)
		return
	}

	writeMessage(conn, msgAuthentication, authPayload(0, nil))
	writeMessage(conn, msgReadyForQuery, []byte{'I'})
	errCh <- nil
}

func TestSCRAMSHA256Exchange(t *testing.T) {
	slot, server := newPipeSlot(t, 0)

	errCh := make(chan error, 1)
	go mockSCRAMBackend(server, "s3cret", errCh)

	if err := authenticate(slot, "s3cret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("mock backend: %v", err)
	}
}

func TestSCRAMRejectsUnknownMechanism(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client))
	payload := authPayload(10, []byte("SCRAM-SHA-256-PLUS\x00\x00"))

	if err := scramSHA256Auth(rw, "bob", "pw", payload); err == nil {
		t.Fatal("expected error when SCRAM-SHA-256 is not offered")
	}
}

func TestSCRAMServerSignatureMismatch(t *testing.T) {
	slot, server := newPipeSlot(t, 0)

	go func() {
		writeMessage(server, msgAuthentication, authPayload(10, []byte("SCRAM-SHA-256\x00\x00")))

		_, payload, err := readMessage(server)
		if err != nil {
			return
		}
		nul := 0
		for nul < len(payload) && payload[nul] != 0 {
			nul++
		}
		clientFirst := string(payload[nul+1+4:])
		clientNonce := clientFirst[strings.LastIndex(clientFirst, ",r=")+3:]

		serverFirst := fmt.Sprintf("r=%s,s=%s,i=4096",
			clientNonce+"x", base64.StdEncoding.EncodeToString([]byte("salty-salt-salty")))
		writeMessage(server, msgAuthentication, authPayload(11, []byte(serverFirst)))

		if _, _, err := readMessage(server); err != nil {
			return
		}
		// A signature computed with the wrong key.
		writeMessage(server, msgAuthentication, authPayload(12, []byte("v=Ym9ndXM=")))
	}()

	if err := authenticate(slot, "s3cret"); err == nil {
		t.Fatal("expected server signature verification to fail")
	}
}

func TestParseServerFirst(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("salt"))
	nonce, gotSalt, iters, err := parseServerFirst("r=abc,s=" + salt + ",i=4096")
	if err != nil {
		t.Fatalf("parseServerFirst: %v", err)
	}
	if nonce != "abc" || string(gotSalt) != "salt" || iters != 4096 {
		t.Errorf("got nonce=%q salt=%q iters=%d", nonce, gotSalt, iters)
	}

	if _, _, _, err := parseServerFirst("r=abc"); err == nil {
		t.Error("expected error for incomplete message")
	}
	if _, _, _, err := parseServerFirst("r=abc,s=!!!,i=4096"); err == nil {
		t.Error("expected error for undecodable salt")
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	mechs := parseSASLMechanisms([]byte("SCRAM-SHA-256\x00SCRAM-SHA-256-PLUS\x00\x00"))
	if len(mechs) != 2 || mechs[0] != "SCRAM-SHA-256" || mechs[1] != "SCRAM-SHA-256-PLUS" {
		t.Errorf("got %v", mechs)
	}
}

func TestSASLEscapeUsername(t *testing.T) {
	if got := saslEscapeUsername("a=b,c"); got != "a=3Db=2Cc" {
		t.Errorf("got %q", got)
	}
}
