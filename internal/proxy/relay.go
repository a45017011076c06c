package proxy

import (
	"context"
	"io"
	"net"
	"sync"
)

// relay copies data bidirectionally between the client connection and a
// backend session. Backend reads go through backendRd — the handshake may
// have read ahead into the session's buffer, and those bytes belong to
// the client. It returns when either side closes or an error occurs.
func relay(ctx context.Context, client, backend net.Conn, backendRd io.Reader) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)

	// Client → Backend
	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, client)
		errCh <- err
		// Signal the backend that the client is done writing
		if tc, ok := backend.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	// Backend → Client
	go func() {
		defer wg.Done()
		_, err := io.Copy(client, backendRd)
		errCh <- err
		// Signal the client that the backend is done writing
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	// Wait for context cancellation or one side to finish
	select {
	case <-ctx.Done():
		client.Close()
		backend.Close()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			return err
		}
	}

	wg.Wait()
	return nil
}
