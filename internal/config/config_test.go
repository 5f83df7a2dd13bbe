package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
upstream:
  base_url: https://rfq.example.com
  chain_id: 137
signer:
  mode: local
  private_key: "0xabc123"
`

func TestLoadMinimal(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// Defaults land.
	if cfg.Upstream.TimeoutMs != 30000 {
		t.Fatalf("timeout default = %d", cfg.Upstream.TimeoutMs)
	}
	if cfg.Rate.RefreshInterval() != 5*time.Second {
		t.Fatalf("refresh default = %s", cfg.Rate.RefreshInterval())
	}
	if cfg.Bridge.RefreshInterval() != 2*time.Second {
		t.Fatalf("bridge refresh default = %s", cfg.Bridge.RefreshInterval())
	}
	if cfg.Lifecycle.DefaultQuoteValidityS != 30 {
		t.Fatalf("validity default = %d", cfg.Lifecycle.DefaultQuoteValidityS)
	}
}

func TestValidateMissingBaseURL(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, `
upstream:
  chain_id: 137
signer:
  private_key: "0xabc"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing base_url accepted")
	}
}

func TestValidateBadStrategy(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, minimalConfig+`
bridge:
  strategy: aggressive
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("bad strategy accepted")
	}
}

func TestValidateKMSRequiresURL(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, `
upstream:
  base_url: https://rfq.example.com
  chain_id: 137
signer:
  mode: kms
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("kms without url accepted")
	}
}

func TestCounterpartiesParse(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, minimalConfig+`
fix:
  enabled: true
  port: 9878
  counterparties:
    - sender_comp_id: WINTERMUTE
      target_comp_id: DELUTHIUM
      version: FIX.4.4
      heartbeat_s: 30
      reset_on_logon: true
      password: secret
      fee_rate_bps: 12
      pairs: ["BTC/USDT"]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.FIX.Counterparties) != 1 {
		t.Fatalf("counterparties = %d", len(cfg.FIX.Counterparties))
	}
	cp := cfg.FIX.Counterparties[0]
	if cp.SenderCompID != "WINTERMUTE" || cp.FeeRateBps != 12 || !cp.ResetOnLogon {
		t.Fatalf("counterparty = %+v", cp)
	}
}
