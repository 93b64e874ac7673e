package test

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keychest/keychest/s3store"
)

// GarageTestServer manages a local Garage daemon for integration tests that
// want a second, stricter S3 implementation next to MinIO. The daemon is
// started once per test binary and shared; tests isolate themselves with
// distinct key prefixes inside the shared bucket rather than with distinct
// buckets, because Garage buckets take two CLI calls each to provision.
type GarageTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string

	tmpDir     string
	configFile string
	cmd        *exec.Cmd
	stopOnce   sync.Once
}

var (
	garageServer *GarageTestServer
	garageOnce   sync.Once
	garageError  error
)

// StartGarageServer starts (or reuses) the shared Garage daemon. Tests are
// skipped when the garage binary is not installed.
func StartGarageServer(t *testing.T) *GarageTestServer {
	t.Helper()

	garageOnce.Do(func() {
		if _, err := exec.LookPath("garage"); err != nil {
			garageError = fmt.Errorf("garage binary not found")
			return
		}

		// A previous run may have left a daemon holding the ports.
		exec.Command("pkill", "garage").Run()
		time.Sleep(1 * time.Second)

		server := &GarageTestServer{}
		if err := server.start(); err != nil {
			server.StopForce()
			garageError = err
			return
		}
		garageServer = server
	})

	if garageError != nil {
		t.Skipf("Garage not available: %v", garageError)
		return nil
	}
	return garageServer
}

func (s *GarageTestServer) start() error {
	tmpDir, err := os.MkdirTemp("", "garage-test-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	s.tmpDir = tmpDir

	dataDir := filepath.Join(tmpDir, "data")
	metaDir := filepath.Join(tmpDir, "meta")
	os.MkdirAll(dataDir, 0755)
	os.MkdirAll(metaDir, 0755)

	s.configFile = filepath.Join(tmpDir, "config.toml")
	configContent := fmt.Sprintf(`
metadata_dir = "%s"
data_dir = "%s"
db_engine = "sqlite"

rpc_bind_addr = "127.0.0.1:3901"
rpc_public_addr = "127.0.0.1:3901"
rpc_secret = "3fb5c4e9d0e2f8a1b7c6d5e4f3a2b1c03fb5c4e9d0e2f8a1b7c6d5e4f3a2b1c0"
replication_factor = 1

[s3_api]
s3_region = "garage"
api_bind_addr = "127.0.0.1:3900"
root_domain = ".s3.garage"
`, metaDir, dataDir)

	if err := os.WriteFile(s.configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cmd := exec.Command("garage", "-c", s.configFile, "server")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start garage server: %w", err)
	}
	s.cmd = cmd
	s.Endpoint = "http://127.0.0.1:3900"
	s.Bucket = fmt.Sprintf("keychest-garage-%d", time.Now().UnixNano())

	// The daemon needs a moment before the admin RPC answers.
	var nodeOut string
	for i := 0; i < 30; i++ {
		nodeOut, err = s.garage("node", "id")
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("garage did not become ready: %w, output: %s", err, nodeOut)
	}

	nodeID := parseGarageNodeID(nodeOut)
	if nodeID == "" {
		return fmt.Errorf("failed to parse node id from output: %s", nodeOut)
	}

	// A fresh node rejects layout changes until discovery settles, so
	// keep trying for a few seconds.
	var layoutErr error
	for i := 0; i < 5; i++ {
		out, err := s.garage("layout", "assign", "-z", "dc1", "--capacity", "100M", nodeID)
		if err == nil {
			layoutErr = nil
			break
		}
		layoutErr = fmt.Errorf("failed to assign layout: %w, output: %s", err, out)
		time.Sleep(1 * time.Second)
	}
	if layoutErr != nil {
		return layoutErr
	}

	if out, err := s.garage("layout", "apply", "--version", "1"); err != nil {
		return fmt.Errorf("failed to apply layout: %w, output: %s", err, out)
	}

	keyOut, err := s.garage("key", "create", "keychest-test-key")
	if err != nil {
		return fmt.Errorf("failed to create key: %w, output: %s", err, keyOut)
	}
	s.AccessKey, s.SecretKey = parseGarageKey(keyOut)
	if s.AccessKey == "" || s.SecretKey == "" {
		return fmt.Errorf("failed to parse access key from output: %s", keyOut)
	}

	if out, err := s.garage("bucket", "create", s.Bucket); err != nil {
		return fmt.Errorf("failed to create bucket: %w, output: %s", err, out)
	}
	if out, err := s.garage("bucket", "allow", s.Bucket, "--read", "--write", "--key", "keychest-test-key"); err != nil {
		return fmt.Errorf("failed to allow key: %w, output: %s", err, out)
	}

	return nil
}

// garage runs the CLI against the daemon's config file.
func (s *GarageTestServer) garage(args ...string) (string, error) {
	cmd := exec.Command("garage", append([]string{"-c", s.configFile}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// parseGarageNodeID extracts the node identifier from `garage node id`
// output, which carries logs and the RPC address alongside the id itself.
func parseGarageNodeID(out string) string {
	if m := regexp.MustCompile(`Node ID:\s+([a-f0-9]+)`).FindStringSubmatch(out); len(m) >= 2 {
		return m[1]
	}
	if m := regexp.MustCompile(`[a-f0-9]{64}`).FindString(out); m != "" {
		return m
	}
	return strings.TrimSpace(out)
}

func parseGarageKey(out string) (accessKey, secretKey string) {
	if m := regexp.MustCompile(`Key ID:\s+(\S+)`).FindStringSubmatch(out); len(m) >= 2 {
		accessKey = m[1]
	}
	if m := regexp.MustCompile(`(?i)Secret Key:\s+(\S+)`).FindStringSubmatch(out); len(m) >= 2 {
		secretKey = m[1]
	}
	return accessKey, secretKey
}

// StopForce kills the daemon and removes its state. Only used when startup
// fails partway; a healthy daemon is shared for the whole test binary and
// reclaimed by the pkill on the next run.
func (s *GarageTestServer) StopForce() {
	s.stopOnce.Do(func() {
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		if s.tmpDir != "" {
			os.RemoveAll(s.tmpDir)
		}
	})
}

// ClientConfig returns connection settings for the shared daemon. Region
// and path addressing come from the garage provider profile.
func (s *GarageTestServer) ClientConfig() s3store.ClientConfig {
	return s3store.ClientConfig{
		Provider:  "garage",
		Endpoint:  s.Endpoint,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
	}
}

// NewRepository builds a repository on the shared daemon. An empty Bucket
// selects the shared test bucket; callers isolate themselves with KeyPrefix.
func (s *GarageTestServer) NewRepository(t *testing.T, cfg s3store.Config) *s3store.Repository {
	t.Helper()

	client, err := s3store.NewClient(context.Background(), s.ClientConfig())
	if err != nil {
		t.Fatalf("Failed to create S3 client: %v", err)
	}

	if cfg.Bucket == "" {
		cfg.Bucket = s.Bucket
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo, err := s3store.NewRepository(client, cfg, logger, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	return repo
}

// uniqueKeyPrefix returns a fresh key ring prefix so tests sharing the
// bucket do not see each other's documents.
func uniqueKeyPrefix() string {
	return fmt.Sprintf("ring-%d/", time.Now().UnixNano())
}
