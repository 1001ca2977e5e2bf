package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateMissingFirecrackerBinary(t *testing.T) {
	cfg := &Config{
		KernelPath:      "/images/vmlinux",
		RootfsPath:      "/images/rootfs.squashfs",
		FirecrackerPath: filepath.Join(t.TempDir(), "no-such-binary"),
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() error = nil, want failure for a missing firecracker binary")
	}
}

func TestValidatePassesWithBinaryPresent(t *testing.T) {
	binPath := filepath.Join(t.TempDir(), "firecracker")
	if err := os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	cfg := &Config{
		KernelPath:      "/images/vmlinux",
		RootfsPath:      "/images/rootfs.squashfs",
		FirecrackerPath: binPath,
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidateRejectsEmptyRequiredPaths(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "empty kernel", cfg: Config{RootfsPath: "r", FirecrackerPath: "f"}},
		{name: "empty rootfs", cfg: Config{KernelPath: "k", FirecrackerPath: "f"}},
		{name: "empty firecracker", cfg: Config{KernelPath: "k", RootfsPath: "r"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want failure for empty required path")
			}
		})
	}
}

func TestLoadEnvFileDoesNotOverrideExistingEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "TEST_CFG_A=from-file\n# a comment\nTEST_CFG_B=\"quoted value\"\n"
	if err := os.WriteFile(envFile, []byte(content), 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("TEST_CFG_A", "from-env")
	os.Unsetenv("TEST_CFG_B")
	t.Cleanup(func() { os.Unsetenv("TEST_CFG_B") })

	loadEnvFile(envFile)

	if got := os.Getenv("TEST_CFG_A"); got != "from-env" {
		t.Errorf("TEST_CFG_A = %q, want the pre-set env value to win", got)
	}
	if got := os.Getenv("TEST_CFG_B"); got != "quoted value" {
		t.Errorf("TEST_CFG_B = %q, want the unquoted file value", got)
	}
}
