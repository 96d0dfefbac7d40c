//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

const e2eAPIKey = "e2e-test-api-key"

// fitsyncServer manages a running fitsync server process.
type fitsyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile *os.File
}

// startFitsync launches the binary on a fresh data directory and waits for
// it to become healthy.
func startFitsync(t *testing.T) *fitsyncServer {
	t.Helper()
	requireFitsync(t)
	return startOnData(t, t.TempDir())
}

// startOnData launches the binary against dataDir. fitsync is configured
// entirely via environment variables here.
func startOnData(t *testing.T, dataDir string) *fitsyncServer {
	t.Helper()

	port := freePort(t)
	lf, err := os.CreateTemp(dataDir, "fitsync-*.log")
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}

	cmd := exec.Command(fitsyncBin, "serve")
	cmd.Env = append(serverEnv(dataDir), fmt.Sprintf("FITSYNC_PORT=%d", port))
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start fitsync: %v", err)
	}

	s := &fitsyncServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		logFile: lf,
	}
	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		logs, _ := os.ReadFile(lf.Name())
		t.Fatalf("fitsync not healthy: %v\n%s", err, logs)
	}
	return s
}

func serverEnv(dataDir string) []string {
	return append(os.Environ(),
		"FITSYNC_DB_PATH="+filepath.Join(dataDir, "fitsync.db"),
		"FITSYNC_API_KEY="+e2eAPIKey,
		"FITSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
		"FITSYNC_ENV_FILE="+filepath.Join(dataDir, "nonexistent.env"),
		"FITSYNC_SCHEDULER_INTERVAL=200ms",
	)
}

func (s *fitsyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

// restart stops the server and starts a new one on the same data.
func (s *fitsyncServer) restart(t *testing.T) *fitsyncServer {
	t.Helper()
	s.stop()
	return startOnData(t, s.dataDir)
}

func (s *fitsyncServer) baseURL() string {
	return fmt.Sprintf("http://%s/api/v1", s.address)
}

func (s *fitsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := s.baseURL() + "/health"

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("fitsync not healthy after %s", timeout)
}

// envelope mirrors the API response body.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
}

// call sends an authenticated request and decodes the envelope.
func (s *fitsyncServer) call(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(method, s.baseURL()+path, &buf)
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
	}
	return resp.StatusCode, env
}

func unmarshalData(t *testing.T, env envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}

// runCLI runs an operator command against dataDir's database.
func runCLI(t *testing.T, dataDir string, args ...string) string {
	t.Helper()
	cmd := exec.Command(fitsyncBin, args...)
	cmd.Env = serverEnv(dataDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("fitsync %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
