package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDerivesDirsFromDataDir(t *testing.T) {
	t.Setenv("MCP_DATA_DIR", "/tmp/agentmgr-test")
	t.Setenv("AGENTS_DIR", "")
	t.Setenv("SKILLS_DIR", "")
	t.Setenv("AUTOMATION_RULES_DIR", "")
	t.Setenv("CONFIG_DIR", "")
	t.Setenv("EVENT_LOG_DIR", "")
	t.Setenv("GIT_FETCH_INTERVAL_MS", "")
	t.Setenv("MCP_KEEP_ALIVE", "")

	c := Load()
	if c.DataDir != "/tmp/agentmgr-test" {
		t.Fatalf("DataDir = %q", c.DataDir)
	}
	if c.AgentsDir != filepath.Join(c.DataDir, "agents") {
		t.Errorf("AgentsDir = %q", c.AgentsDir)
	}
	if c.GitFetchIntervalMs != defaultGitFetchIntervalMs {
		t.Errorf("GitFetchIntervalMs = %d, want default %d", c.GitFetchIntervalMs, defaultGitFetchIntervalMs)
	}
	if c.KeepAlive {
		t.Errorf("KeepAlive = true, want false for unset env var")
	}
}

func TestLoadExplicitOverridesWinOverDataDir(t *testing.T) {
	t.Setenv("MCP_DATA_DIR", "/tmp/agentmgr-test")
	t.Setenv("AGENTS_DIR", "/custom/agents")
	t.Setenv("GIT_FETCH_INTERVAL_MS", "60000")
	t.Setenv("MCP_KEEP_ALIVE", "persistent")

	c := Load()
	if c.AgentsDir != "/custom/agents" {
		t.Errorf("AgentsDir = %q, want explicit override", c.AgentsDir)
	}
	if c.GitFetchIntervalMs != 60000 {
		t.Errorf("GitFetchIntervalMs = %d, want 60000", c.GitFetchIntervalMs)
	}
	if !c.KeepAlive {
		t.Errorf("KeepAlive = false, want true for %q", "persistent")
	}
}

func TestParseKeepAliveVariants(t *testing.T) {
	cases := map[string]bool{
		"persistent": true,
		"1":          true,
		"true":       true,
		"TRUE":       true,
		"":           false,
		"0":          false,
		"false":      false,
	}
	for in, want := range cases {
		if got := parseKeepAlive(in); got != want {
			t.Errorf("parseKeepAlive(%q) = %v, want %v", in, got, want)
		}
	}
}
