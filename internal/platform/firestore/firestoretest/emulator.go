// Package firestoretest starts a Firestore emulator in Docker for integration tests.
package firestoretest

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/localhands/marketplace/internal/platform/config"
	pfirestore "github.com/localhands/marketplace/internal/platform/firestore"
)

const (
	image        = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	readyTimeout = 30 * time.Second
)

// Provider starts a fresh emulator for projectID and returns a Provider pointed at it.
// The container and the client are torn down with the test. Without a reachable Docker
// daemon the test is skipped.
func Provider(t testing.TB, projectID string) *pfirestore.Provider {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	if err := docker(5*time.Second, "info"); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate emulator port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		image,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v - %s", err, out)
	}
	container := strings.TrimSpace(string(out))
	t.Cleanup(func() { _ = docker(10*time.Second, "stop", container) })

	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	for deadline := time.Now().Add(readyTimeout); ; time.Sleep(200 * time.Millisecond) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("firestore emulator at %s not ready after %s: %v", endpoint, readyTimeout, err)
		}
	}

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func docker(timeout time.Duration, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return exec.CommandContext(ctx, "docker", args...).Run()
}
