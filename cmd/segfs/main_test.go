package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ligustah/segfs/internal/storage"
	"github.com/ligustah/segfs/internal/transport"
)

var servedFiles = []transport.ServedFile{
	{ID: 1, Name: "small.txt", Data: []byte("Some text\nSome more text\nThe last bit of text")},
	{ID: 2, Name: "binary.bin", Data: bytes.Repeat([]byte{0, 1, 2, 3, 0xff}, 400)},
	{ID: 129, Name: "file3.café.résumé", Data: nil},
}

// startServer runs a segment server on a loopback port until the test ends.
func startServer(t *testing.T) (host, port string) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &transport.Server{Files: servedFiles, ChunkSize: 128, Duplicates: 0.1}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
	})

	host, port, _ = net.SplitHostPort(conn.LocalAddr().String())
	return host, port
}

// freePort returns a loopback UDP port that was free a moment ago.
func freePort(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	return strconv.Itoa(conn.LocalAddr().(*net.UDPAddr).Port)
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestFetchAndVerify(t *testing.T) {
	host, port := startServer(t)
	dir := t.TempDir()
	output := "file://" + filepath.ToSlash(dir)

	code, _, stderr := runCLI(t, "fetch",
		"--server", host,
		"--port", port,
		"--output", output,
		"--timeout", "2s",
		"--retry-attempts", "3",
		"--retry-backoff", "10ms",
	)
	if code != ExitSuccess {
		t.Fatalf("fetch exited with %d:\n%s", code, stderr)
	}
	for _, want := range []string{
		"[segfs] Downloading file small.txt...",
		"[segfs] Stored: binary.bin (1.95 KB)",
		"[segfs] Fetch complete: 3 files",
	} {
		if !strings.Contains(stderr, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, stderr)
		}
	}

	for _, f := range servedFiles {
		data, err := os.ReadFile(filepath.Join(dir, f.Name))
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		if !bytes.Equal(data, f.Data) {
			t.Errorf("%s: content mismatch", f.Name)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, storage.DefaultManifestKey))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m storage.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	var ids []uint8
	for _, f := range m.Files {
		ids = append(ids, f.FileID)
	}
	if diff := cmp.Diff([]uint8{1, 2, 129}, ids); diff != "" {
		t.Errorf("manifest ids mismatch (-want +got):\n%s", diff)
	}
	if m.Server != host+":"+port {
		t.Errorf("expected server %s:%s in manifest, got %s", host, port, m.Server)
	}

	code, stdout, stderr := runCLI(t, "verify", "--output", output)
	if code != ExitSuccess {
		t.Fatalf("verify exited with %d:\n%s%s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Status: VALID") {
		t.Errorf("expected VALID status, got:\n%s", stdout)
	}

	// A second fetch refuses to clobber the stored files.
	code, _, stderr = runCLI(t, "fetch", "--server", host, "--port", port, "--output", output, "--timeout", "2s")
	if code != ExitStorageError {
		t.Errorf("expected exit %d for existing files, got %d:\n%s", ExitStorageError, code, stderr)
	}
	if !strings.Contains(stderr, "--overwrite") {
		t.Errorf("expected overwrite hint, got:\n%s", stderr)
	}

	code, _, stderr = runCLI(t, "fetch", "--server", host, "--port", port, "--output", output, "--timeout", "2s", "--overwrite")
	if code != ExitSuccess {
		t.Errorf("expected overwrite fetch to succeed, got %d:\n%s", code, stderr)
	}
}

func TestFetchWithConfigFileAndPrefix(t *testing.T) {
	host, port := startServer(t)
	dir := t.TempDir()

	cfgPath := filepath.Join(t.TempDir(), "segfs.yaml")
	cfg := "server: " + host + "\n" +
		"port: " + port + "\n" +
		"output: file://" + filepath.ToSlash(dir) + "\n" +
		"prefix: session-a\n" +
		"timeout: 2s\n" +
		"batch_size: 16\n" +
		"read_buffer: 1MB\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLI(t, "fetch", "--config", cfgPath)
	if code != ExitSuccess {
		t.Fatalf("fetch exited with %d:\n%s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "session-a", "small.txt")); err != nil {
		t.Errorf("expected file under prefix: %v", err)
	}

	code, stdout, _ := runCLI(t, "verify", "--output", "file://"+filepath.ToSlash(dir), "--prefix", "session-a")
	if code != ExitSuccess {
		t.Errorf("verify exited with %d:\n%s", code, stdout)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	host, port := startServer(t)
	dir := t.TempDir()
	output := "file://" + filepath.ToSlash(dir)

	if code, _, stderr := runCLI(t, "fetch", "--server", host, "--port", port, "--output", output, "--timeout", "2s"); code != ExitSuccess {
		t.Fatalf("fetch exited with %d:\n%s", code, stderr)
	}
	if err := os.Remove(filepath.Join(dir, "small.txt")); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := runCLI(t, "verify", "--output", output)
	if code != ExitValidationFailed {
		t.Errorf("expected exit %d, got %d", ExitValidationFailed, code)
	}
	if !strings.Contains(stdout, "Missing files: 1") {
		t.Errorf("expected missing file report, got:\n%s", stdout)
	}
}

func TestVerifyWithoutManifest(t *testing.T) {
	code, _, stderr := runCLI(t, "verify", "--output", "file://"+filepath.ToSlash(t.TempDir()))
	if code != ExitValidationFailed {
		t.Errorf("expected exit %d, got %d:\n%s", ExitValidationFailed, code, stderr)
	}
}

func TestFetchServerSilent(t *testing.T) {
	code, _, stderr := runCLI(t, "fetch",
		"--server", "127.0.0.1",
		"--port", freePort(t),
		"--output", "mem://",
		"--timeout", "20ms",
		"--retry-attempts", "1",
		"--retry-backoff", "1ms",
	)
	if code != ExitServerFailure {
		t.Errorf("expected exit %d, got %d:\n%s", ExitServerFailure, code, stderr)
	}
}

func TestServeCommand(t *testing.T) {
	dir := t.TempDir()
	for _, f := range servedFiles[:2] {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	var serveErr bytes.Buffer
	go func() {
		done <- run(ctx, []string{"serve", "--addr", "127.0.0.1:" + port, "--dir", dir, "--chunk-size", "100"}, &bytes.Buffer{}, &serveErr)
	}()

	// The request is resent until the server is listening.
	out := t.TempDir()
	code, _, stderr := runCLI(t, "fetch",
		"--server", "127.0.0.1",
		"--port", port,
		"--output", "file://"+filepath.ToSlash(out),
		"--expected-files", "2",
		"--timeout", "200ms",
		"--retry-attempts", "20",
		"--retry-backoff", "10ms",
		"--retry-max-backoff", "50ms",
	)
	cancel()
	if serveCode := <-done; serveCode != ExitSuccess {
		t.Errorf("serve exited with %d:\n%s", serveCode, serveErr.String())
	}
	if code != ExitSuccess {
		t.Fatalf("fetch exited with %d:\n%s", code, stderr)
	}

	data, err := os.ReadFile(filepath.Join(out, "binary.bin"))
	if err != nil {
		t.Fatalf("read binary.bin: %v", err)
	}
	if !bytes.Equal(data, servedFiles[1].Data) {
		t.Error("binary.bin: content mismatch")
	}
}

func TestInvalidArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"upload"}},
		{"unknown flag", []string{"fetch", "--bogus"}},
		{"missing server", []string{"fetch", "--output", "mem://"}},
		{"bad port", []string{"fetch", "--server", "localhost", "--port", "70000", "--output", "mem://"}},
		{"bad read buffer", []string{"fetch", "--server", "localhost", "--read-buffer", "lots", "--output", "mem://"}},
		{"missing config", []string{"fetch", "--config", "/nonexistent/segfs.yaml"}},
		{"serve without dir", []string{"serve"}},
		{"serve chunk too large", []string{"serve", "--dir", ".", "--chunk-size", "2KB"}},
		{"positional args", []string{"verify", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			if code != ExitInvalidArgs {
				t.Errorf("expected exit %d, got %d:\n%s", ExitInvalidArgs, code, stderr)
			}
		})
	}
}

func TestBadOutputScheme(t *testing.T) {
	code, _, stderr := runCLI(t, "fetch", "--server", "127.0.0.1", "--output", "nosuchscheme://x")
	if code != ExitStorageError {
		t.Errorf("expected exit %d, got %d:\n%s", ExitStorageError, code, stderr)
	}
}
