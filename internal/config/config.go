// Package config loads the agent host's configuration: where guest
// binaries and VM images live, which ports the MCP and admin surfaces bind
// to, and the admin API's signing secret. Settings resolve through an
// env + .env + GCP Secret Manager fallback chain, so local development
// needs nothing beyond environment variables.
package config

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// Config holds the agent host's process-wide configuration. There is no
// persisted state beyond these settings: the fleet itself is entirely
// in-memory and process-local.
type Config struct {
	// MCPAddr is the address the Model Context Protocol server listens on when
	// MCPTransport is "http". Ignored for "stdio".
	MCPAddr string

	// MCPTransport selects how cmd/agentfleetd exposes the MCP server:
	// "stdio" (single client, piped over stdin/stdout — the default,
	// matching an off-the-shelf MCP server's usual embedding) or "http"
	// (Streamable HTTP, for a persistently-running daemon with multiple
	// clients).
	MCPTransport string

	// AdminAddr is the address the operator HTTP surface (health, VM
	// inspection, log tail) listens on.
	AdminAddr string

	// AdminToken signs and validates the admin API's bearer tokens. Empty
	// disables admin auth, matching local-dev behavior elsewhere in this
	// stack.
	AdminToken string

	// GuestDir is scanned at startup for compute-only guest modules (one
	// WebAssembly binary per agent).
	GuestDir string

	// Firecracker / VM fleet settings.
	ImagesDir       string
	KernelPath      string
	RootfsPath      string
	FirecrackerPath string
	SocketDir       string
	VCPUs           int64
	MemoryMB        int64

	// GCP project used to resolve secrets above from Secret Manager, when
	// set. Falls back to plain environment variables otherwise.
	GCPProject string
}

// Load loads configuration from environment variables, after applying an
// optional .env file. ADMIN_TOKEN alone is first looked up in GCP Secret
// Manager when GCP_PROJECT is set, falling back to the environment.
func Load() (*Config, error) {
	loadEnvFile(".env")

	gcpProject := getEnv("GCP_PROJECT", "")
	imagesDir := getEnv("IMAGES_DIR", "/var/lib/agentfleet/images")

	cfg := &Config{
		MCPAddr:         getEnv("MCP_ADDR", ":7777"),
		MCPTransport:    getEnv("MCP_TRANSPORT", "stdio"),
		AdminAddr:       getEnv("ADMIN_ADDR", ":8080"),
		GuestDir:        getEnv("GUEST_DIR", "/var/lib/agentfleet/guests"),
		ImagesDir:       imagesDir,
		KernelPath:      getEnv("KERNEL_PATH", imagesDir+"/vmlinux"),
		RootfsPath:      getEnv("ROOTFS_PATH", imagesDir+"/rootfs.squashfs"),
		FirecrackerPath: getEnv("FIRECRACKER_PATH", "/usr/local/bin/firecracker"),
		SocketDir:       getEnv("SOCKET_DIR", "/tmp/agentfleet"),
		VCPUs:           getEnvInt("VM_VCPUS", 1),
		MemoryMB:        getEnvInt("VM_MEMORY_MB", 512),
		GCPProject:      gcpProject,
	}

	adminToken, err := getSecret(gcpProject, "ADMIN_TOKEN")
	if err != nil || adminToken == "" {
		adminToken = getEnv("ADMIN_TOKEN", "")
	}
	cfg.AdminToken = adminToken

	return cfg, nil
}

// Validate fails fast on settings the daemon cannot run without. A missing
// Firecracker binary aborts the process at initialization rather than at
// the first create_vm, when an agent would be left holding the error.
func (c *Config) Validate() error {
	if c.KernelPath == "" {
		return fmt.Errorf("KERNEL_PATH must not be empty")
	}
	if c.RootfsPath == "" {
		return fmt.Errorf("ROOTFS_PATH must not be empty")
	}
	if c.FirecrackerPath == "" {
		return fmt.Errorf("FIRECRACKER_PATH must not be empty")
	}
	if _, err := os.Stat(c.FirecrackerPath); err != nil {
		return fmt.Errorf("firecracker binary not found at %s: %w", c.FirecrackerPath, err)
	}
	return nil
}

// getSecret retrieves a secret from GCP Secret Manager. Returns an empty
// string and nil error if Secret Manager is not configured or the secret
// does not exist, so callers always have a plain-env fallback.
func getSecret(project, secretName string) (string, error) {
	if project == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		log.Printf("Secret Manager client creation failed (falling back to env): %v", err)
		return "", nil
	}
	defer client.Close()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", nil
	}

	return string(result.Payload.Data), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// loadEnvFile loads environment variables from a .env file. The file is
// optional; a missing file is not an error.
func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		return
	}
	defer file.Close()

	log.Printf("Loading environment from %s", filename)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, `"'`)

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
