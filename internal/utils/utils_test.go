package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigManagerFromValues(t *testing.T) {
	cm := NewConfigManagerFromValues(map[string]string{
		"x402_price_per_call": "2500",
		"mcp_request_timeout": "5s",
		"x402_gated_tools":    "check-balance, send-transaction",
	})

	if got := cm.GetConfigUint64("x402_price_per_call", 1); got != 2500 {
		t.Errorf("price = %d, want 2500", got)
	}
	if got := cm.GetConfigDuration("mcp_request_timeout", time.Second); got != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", got)
	}
	if got := cm.GetConfigSlice("x402_gated_tools", nil); len(got) != 2 || got[1] != "send-transaction" {
		t.Errorf("gated tools = %v", got)
	}
	// embedded default still present
	if got := cm.GetConfigWithDefault("x402_scheme", ""); got != "exact" {
		t.Errorf("scheme = %q, want exact", got)
	}
	// empty value falls back to default
	if got := cm.GetConfigWithDefault("x402_pay_to", "fallback"); got != "fallback" {
		t.Errorf("pay_to = %q, want fallback", got)
	}
}

func TestConfigIntOutOfRange(t *testing.T) {
	cm := NewConfigManagerFromValues(map[string]string{"x402_max_retries": "99"})
	if got := cm.GetConfigInt("x402_max_retries", 2, 0, 10); got != 2 {
		t.Errorf("out-of-range value should fall back, got %d", got)
	}
	if problems := cm.Problems(); len(problems) != 1 || !strings.HasPrefix(problems[0], "x402_max_retries:") {
		t.Errorf("problems = %v", problems)
	}

	// repeated lookups report once
	cm.GetConfigInt("x402_max_retries", 2, 0, 10)
	if n := len(cm.Problems()); n != 1 {
		t.Errorf("problem recorded %d times", n)
	}
}

func TestLoadConfigManagerMissingFile(t *testing.T) {
	if _, err := LoadConfigManager(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestReadConfigsSkipsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs")
	content := "# comment = ignored\nx402_network = solana:devnet\nbroken line\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cm, err := LoadConfigManager(path)
	if err != nil {
		t.Fatalf("LoadConfigManager: %v", err)
	}
	if _, ok := cm.GetConfig("# comment"); ok {
		t.Error("comment line parsed as key")
	}
	if got, _ := cm.GetConfig("x402_network"); got != "solana:devnet" {
		t.Errorf("network = %q", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("PAYEE_ADDRESS=0x000000000000000000000000000000000000dEaD\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PRICE_PER_CALL", "777")
	t.Cleanup(func() { os.Unsetenv("PAYEE_ADDRESS") })

	cm := NewConfigManagerFromValues(nil)
	if _, err := ApplyEnvOverrides(cm, envFile); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}

	if got, _ := cm.GetConfig("x402_pay_to"); got != "0x000000000000000000000000000000000000dEaD" {
		t.Errorf("pay_to = %q", got)
	}
	if got := cm.GetConfigUint64("x402_price_per_call", 0); got != 777 {
		t.Errorf("price = %d", got)
	}
}

func TestHashCanonicalIgnoresKeyOrder(t *testing.T) {
	a := map[string]interface{}{"payTo": "x", "network": "eip155:1", "amount": "10"}
	b := struct {
		Network string `json:"network"`
		Amount  string `json:"amount"`
		PayTo   string `json:"payTo"`
	}{"eip155:1", "10", "x"}

	ha, err := HashCanonical(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := HashCanonical(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Errorf("canonical hashes differ: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("expected 32-byte hex digest, got %d chars", len(ha))
	}
}

func TestPIDManager(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	pm := NewPIDManager(NewConfigManagerFromValues(nil))
	if filepath.Dir(pm.Path()) != home {
		t.Fatalf("pid path %s is not under %s", pm.Path(), home)
	}

	if _, err := pm.ReadPID(); err != ErrNotRunning {
		t.Fatalf("ReadPID on missing file = %v, want ErrNotRunning", err)
	}
	if err := pm.WritePID(os.Getpid()); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err := pm.ReadPID()
	if err != nil || pid != os.Getpid() {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}
	if !pm.IsProcessRunning(pid) {
		t.Error("own process reported as not running")
	}
	if err := pm.RemovePIDFile(); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if err := pm.RemovePIDFile(); err != nil {
		t.Errorf("second RemovePIDFile: %v", err)
	}
}
