package oxia

import (
	"os"
	"testing"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// EnvServiceAddress points tests at an already running Oxia instead of an
// embedded one.
const EnvServiceAddress = "OXIA_SERVICE_ADDRESS"

// TestServer is an Oxia endpoint for tests: either an embedded standalone
// server or an external one named by OXIA_SERVICE_ADDRESS.
type TestServer struct {
	standalone *dataserver.Standalone
	addr       string
	dir        string
}

// Addr returns the service address of the test server.
func (s *TestServer) Addr() string {
	return s.addr
}

// Close stops an embedded server and removes its data directory.
func (s *TestServer) Close() error {
	var err error
	if s.standalone != nil {
		err = s.standalone.Close()
		s.standalone = nil
	}
	if s.dir != "" {
		_ = os.RemoveAll(s.dir)
		s.dir = ""
	}
	return err
}

// StartTestServer returns a running Oxia for t, closed via t.Cleanup.
func StartTestServer(t testing.TB) *TestServer {
	t.Helper()

	if addr := os.Getenv(EnvServiceAddress); addr != "" {
		t.Logf("using external Oxia at %s", addr)
		return &TestServer{addr: addr}
	}

	dir := t.TempDir()
	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(dir))
	if err != nil {
		t.Fatalf("start embedded Oxia: %v", err)
	}
	srv := &TestServer{standalone: standalone, addr: standalone.ServiceAddr()}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}
