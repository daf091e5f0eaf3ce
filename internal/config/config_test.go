package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/aqmlabs/aqm-core/internal/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Redis.Addr == "" {
		t.Error("expected non-empty Redis addr")
	}
	if cfg.Redis.Prefix != "aqm:v1:" {
		t.Errorf("expected namespace prefix aqm:v1:, got %s", cfg.Redis.Prefix)
	}
	if cfg.Inventory.OptimisticRetryBudget != 3 {
		t.Errorf("expected default retry budget 3, got %d", cfg.Inventory.OptimisticRetryBudget)
	}
	if cfg.Vault.TTL <= 0 {
		t.Error("expected positive vault TTL")
	}
}

func TestInventoryConfigBudgetMatrixDefault(t *testing.T) {
	cfg := DefaultConfig()
	m := cfg.Inventory.BudgetMatrix()

	if got := m.Cap(model.PriorityBestie, model.TierGold); got != 5 {
		t.Errorf("expected default bestie/gold cap 5, got %d", got)
	}
}

func TestInventoryConfigBudgetMatrixOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inventory.Budget = map[model.Priority]map[model.Tier]int{
		model.PriorityBestie: {model.TierGold: 9},
	}

	m := cfg.Inventory.BudgetMatrix()
	if got := m.Cap(model.PriorityBestie, model.TierGold); got != 9 {
		t.Errorf("expected overridden cap 9, got %d", got)
	}
}

func TestReporterConfigTierSizesDefault(t *testing.T) {
	cfg := DefaultConfig()
	sizes := cfg.Reporter.TierSizes()

	if sizes[model.TierGold] != model.TierSizeBytes[model.TierGold] {
		t.Error("expected default tier sizes to match model.TierSizeBytes")
	}
}

func TestReporterConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Reporter.MetricsAddr == "" {
		t.Error("expected non-empty metrics addr")
	}
	if cfg.Reporter.CollectInterval <= 0 {
		t.Error("expected positive collect interval")
	}
}

func TestLoadConfigWritesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.ListenAddr == "" {
		t.Error("expected default API listen addr")
	}

	path := filepath.Join(dir, ConfigFileName)
	cfg2, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig (second run): %v", err)
	}
	if cfg2.Redis.Addr != cfg.Redis.Addr {
		t.Error("expected consistent config across runs")
	}
	if ConfigPath(dir) != path {
		t.Errorf("ConfigPath mismatch: %s vs %s", ConfigPath(dir), path)
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")

	cfg := DefaultConfig()
	cfg.Redis.Addr = "redis.internal:6379"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if loaded.Redis.Addr != "redis.internal:6379" {
		t.Errorf("expected overridden addr to round-trip, got %s", loaded.Redis.Addr)
	}
}
