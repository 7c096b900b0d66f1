package oxia

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// TestServer is an embedded standalone Oxia server for tests.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
	dir        string
}

// Addr returns the service address.
func (s *TestServer) Addr() string {
	return s.addr
}

// Close stops the server and removes its data.
func (s *TestServer) Close() error {
	var err error
	if s.standalone != nil {
		err = s.standalone.Close()
	}
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
	return err
}

var (
	externalAddr     string
	externalAddrOnce sync.Once
)

// externalServiceAddress returns OXIA_SERVICE_ADDRESS, read once.
func externalServiceAddress() string {
	externalAddrOnce.Do(func() {
		externalAddr = os.Getenv("OXIA_SERVICE_ADDRESS")
	})
	return externalAddr
}

// StartTestServer returns a server for t. When OXIA_SERVICE_ADDRESS is set
// the external server is used; otherwise a standalone server is started in
// a temp dir and stopped by t.Cleanup.
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()

	if addr := externalServiceAddress(); addr != "" {
		t.Logf("using external oxia at %s", addr)
		return &TestServer{addr: addr}
	}

	dir, err := os.MkdirTemp("", "blobmetrics-oxia-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	config := dataserver.NewTestConfig(dir)
	standalone, err := dataserver.NewStandalone(config)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("start standalone oxia: %v", err)
	}

	server := &TestServer{
		standalone: standalone,
		addr:       standalone.ServiceAddr(),
		dir:        dir,
	}

	t.Cleanup(func() {
		server.Close()
	})

	t.Logf("embedded oxia listening on %s", server.addr)
	return server
}

var _ io.Closer = (*TestServer)(nil)
