//go:build integration

package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ligustah/segfs/internal/storage"
	"github.com/ligustah/segfs/internal/testutils"
	"github.com/ligustah/segfs/internal/transport"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	files := testutils.GenerateFiles(4, 16*1024)

	t.Log("Starting UDP segment server...")
	addr := testutils.StartUDPServer(t, &transport.Server{Files: files, ChunkSize: 512})
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "cli-test-bucket")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	t.Run("fetch", func(t *testing.T) {
		code, _, stderr := runCLI(t, "fetch",
			"--server", host,
			"--port", port,
			"--output", minio.BucketURL,
			"--prefix", "cli",
			"--expected-files", "4",
			"--timeout", "2s",
			"--batch-size", "16",
		)
		if code != ExitSuccess {
			t.Fatalf("fetch failed with exit code %d:\n%s", code, stderr)
		}
	})

	t.Run("verify", func(t *testing.T) {
		code, stdout, _ := runCLI(t, "verify", "--output", minio.BucketURL, "--prefix", "cli")
		if code != ExitSuccess {
			t.Fatalf("verify failed with exit code %d:\n%s", code, stdout)
		}
	})

	t.Run("content", func(t *testing.T) {
		bucket, err := minio.OpenBucket(ctx, storage.Options{Prefix: "cli"})
		if err != nil {
			t.Fatalf("open bucket: %v", err)
		}
		defer bucket.Close()

		for _, want := range files {
			got, err := bucket.ReadFile(ctx, want.Name)
			if err != nil {
				t.Fatalf("read %s: %v", want.Name, err)
			}
			if string(got.Data) != string(want.Data) {
				t.Errorf("%s: content mismatch", want.Name)
			}
		}
	})

	t.Run("refetch_without_overwrite", func(t *testing.T) {
		code, _, _ := runCLI(t, "fetch",
			"--server", host,
			"--port", port,
			"--output", minio.BucketURL,
			"--prefix", "cli",
			"--expected-files", "4",
			"--timeout", "2s",
		)
		if code != ExitStorageError {
			t.Fatalf("expected exit %d for existing objects, got %d", ExitStorageError, code)
		}
	})
}
