package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/fluxorio/corevm/pkg/config"
)

func TestLoadCorevmConfigAppliesDefaults(t *testing.T) {
	cfg, err := config.LoadCorevmConfig("")
	if err != nil {
		t.Fatalf("LoadCorevmConfig: %v", err)
	}
	want := config.DefaultConfig()
	if cfg != want {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
}

func TestLoadCorevmConfigFromYAMLFile(t *testing.T) {
	yamlContent := `
poller: kqueue
bufsize: 4096
ssh:
  host: build.internal
  port: 2222
`
	tmpFile := "test_corevm_config.yaml"
	if err := os.WriteFile(tmpFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	defer os.Remove(tmpFile)

	cfg, err := config.LoadCorevmConfig(tmpFile)
	if err != nil {
		t.Fatalf("LoadCorevmConfig: %v", err)
	}
	if cfg.Poller != "kqueue" {
		t.Errorf("Poller = %q, want kqueue", cfg.Poller)
	}
	if cfg.BufSize != 4096 {
		t.Errorf("BufSize = %d, want 4096", cfg.BufSize)
	}
	if cfg.SSH.Host != "build.internal" || cfg.SSH.Port != 2222 {
		t.Errorf("SSH = %+v, want host build.internal port 2222", cfg.SSH)
	}
	// Fields absent from the file keep their documented defaults.
	if cfg.RecursionLimit != 8192 {
		t.Errorf("RecursionLimit = %d, want default 8192", cfg.RecursionLimit)
	}
}

func TestLoadCorevmConfigEnvOverridesFileAndDefaults(t *testing.T) {
	yamlContent := `
poller: select
bufsize: 1024
`
	tmpFile := "test_corevm_config_env.yaml"
	if err := os.WriteFile(tmpFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	defer os.Remove(tmpFile)

	os.Setenv("PRETZEL_POLLER", "epoll")
	os.Setenv("PRETZEL_BUFSIZE", "8192")
	os.Setenv("PRETZEL_TEST_TIMEOUT", "2.5")
	os.Setenv("PRETZEL_RECLIMIT", "4096")
	defer os.Unsetenv("PRETZEL_POLLER")
	defer os.Unsetenv("PRETZEL_BUFSIZE")
	defer os.Unsetenv("PRETZEL_TEST_TIMEOUT")
	defer os.Unsetenv("PRETZEL_RECLIMIT")

	cfg, err := config.LoadCorevmConfig(tmpFile)
	if err != nil {
		t.Fatalf("LoadCorevmConfig: %v", err)
	}
	if cfg.Poller != "epoll" {
		t.Errorf("Poller = %q, want epoll (env must win over file)", cfg.Poller)
	}
	if cfg.BufSize != 8192 {
		t.Errorf("BufSize = %d, want 8192 (env must win over file)", cfg.BufSize)
	}
	if cfg.TestTimeout != 2500*time.Millisecond {
		t.Errorf("TestTimeout = %v, want 2.5s", cfg.TestTimeout)
	}
	if cfg.RecursionLimit != 4096 {
		t.Errorf("RecursionLimit = %d, want 4096", cfg.RecursionLimit)
	}
}
