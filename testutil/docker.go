package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"
)

// RequireIntegration skips unless INTEGRATION_TESTS is set.
func RequireIntegration(tb testing.TB) {
	tb.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		tb.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
}

// StartRedis runs a throwaway redis container and returns its host port. The container is removed on cleanup.
func StartRedis(tb testing.TB) string {
	tb.Helper()
	name := fmt.Sprintf("listing-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun("run", "-d", "--name", name, "-p", "127.0.0.1:0:6379", "redis:7-alpine")
	if err != nil {
		tb.Fatalf("start redis container: %v\n%s", err, out)
	}
	tb.Cleanup(func() { _ = dockerRmForce(name) })
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		tb.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return port
		}
		time.Sleep(250 * time.Millisecond)
	}
	tb.Fatalf("redis did not become ready")
	return ""
}

// StartMySQL runs a throwaway mysql container with database listing_test and returns its host port.
func StartMySQL(tb testing.TB) string {
	tb.Helper()
	name := fmt.Sprintf("listing-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=listing_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		tb.Fatalf("start mysql container: %v\n%s", err, out)
	}
	tb.Cleanup(func() { _ = dockerRmForce(name) })
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		tb.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return port
		}
		time.Sleep(500 * time.Millisecond)
	}
	tb.Fatalf("mysql did not become ready")
	return ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// e.g. "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
