package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cocoaquota/internal/ledger"
	"cocoaquota/internal/registry"
)

// ExporterPolicy decides how uploads naming several exporters are reconciled.
type ExporterPolicy string

const (
	// PolicySingle reconciles the whole upload as one batch with one outcome.
	PolicySingle ExporterPolicy = "single"
	// PolicyPerExporter reconciles each exporter's records independently.
	PolicyPerExporter ExporterPolicy = "per_exporter"
)

// Config is the immutable engine configuration.
type Config struct {
	RegistryPageSize int
	// LotMinimumKg is the smallest summed lot weight classified WITHIN_RANGE.
	LotMinimumKg       decimal.Decimal
	SettleDelay        time.Duration
	SettlePollInterval time.Duration
	SettleBackoff      float64
	SettleMaxWait      time.Duration
	ExporterPolicy     ExporterPolicy
	ApprovedBy         string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RegistryPageSize:   registry.DefaultPageSize,
		LotMinimumKg:       decimal.NewFromInt(21000),
		SettleDelay:        time.Second,
		SettlePollInterval: 250 * time.Millisecond,
		SettleBackoff:      2,
		SettleMaxWait:      15 * time.Second,
		ExporterPolicy:     PolicySingle,
		ApprovedBy:         "CloudIA",
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.RegistryPageSize <= 0 {
		return fmt.Errorf("registry page size must be positive, got %d", c.RegistryPageSize)
	}
	if c.LotMinimumKg.IsNegative() {
		return fmt.Errorf("lot minimum must not be negative, got %s", c.LotMinimumKg)
	}
	if c.SettleDelay < 0 || c.SettlePollInterval < 0 || c.SettleMaxWait < 0 {
		return fmt.Errorf("settle durations must not be negative")
	}
	switch c.ExporterPolicy {
	case PolicySingle, PolicyPerExporter:
	default:
		return fmt.Errorf("unknown exporter policy %q", c.ExporterPolicy)
	}
	if c.ApprovedBy == "" {
		return fmt.Errorf("approver identity required")
	}
	return nil
}

func (c Config) settle() ledger.SettleConfig {
	return ledger.SettleConfig{
		Delay:        c.SettleDelay,
		PollInterval: c.SettlePollInterval,
		Backoff:      c.SettleBackoff,
		MaxWait:      c.SettleMaxWait,
	}
}
