package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/anyulbade/vpos-engine/internal/model"
	"github.com/anyulbade/vpos-engine/internal/risk"
)

// POSConfig is the file-backed part of the configuration: gateway
// credentials, risk rules and pre-authorization policy. It is read once at
// startup and never mutated afterwards.
type POSConfig struct {
	DefaultProvider string          `mapstructure:"default_provider"`
	Ziraat          ZiraatPOSConfig `mapstructure:"ziraat"`
	Payten          PaytenPOSConfig `mapstructure:"payten"`
	Preauth         PreauthConfig   `mapstructure:"preauth"`
	Risk            RiskConfig      `mapstructure:"risk"`
}

// ZiraatPOSConfig configures the Nestpay-based Ziraat virtual POS.
type ZiraatPOSConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	StoreKey             string        `mapstructure:"store_key"`
	APIURL               string        `mapstructure:"api_url"`
	ThreeDSGateURL       string        `mapstructure:"three_ds_gate_url"`
	Lang                 string        `mapstructure:"lang"`
	Timeout              time.Duration `mapstructure:"timeout"`
	DisabledCapabilities []string      `mapstructure:"disabled_capabilities"`
}

// PaytenPOSConfig configures the Payten MSU gateway.
type PaytenPOSConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Merchant             string        `mapstructure:"merchant"`
	MerchantUser         string        `mapstructure:"merchant_user"`
	MerchantPassword     string        `mapstructure:"merchant_password"`
	APIURL               string        `mapstructure:"api_url"`
	ThreeDSGateURL       string        `mapstructure:"three_ds_gate_url"`
	Timeout              time.Duration `mapstructure:"timeout"`
	DisabledCapabilities []string      `mapstructure:"disabled_capabilities"`
}

// PreauthConfig governs hold-then-capture flows.
type PreauthConfig struct {
	HoldDuration    time.Duration `mapstructure:"hold_duration"`
	CaptureDeadline time.Duration `mapstructure:"capture_deadline"`
}

type RiskConfig struct {
	Version       string                `mapstructure:"version"`
	DeniedBINs    []string              `mapstructure:"denied_bins"`
	AmountLimits  []AmountLimitConfig   `mapstructure:"amount_limits"`
	Installment   []InstallmentRuleSpec `mapstructure:"installment"`
	Non3DFallback []Non3DRuleSpec       `mapstructure:"non3d_fallback"`
}

type AmountLimitConfig struct {
	Currency string `mapstructure:"currency"`
	Max      string `mapstructure:"max"`
}

type InstallmentRuleSpec struct {
	Provider        string `mapstructure:"provider"`
	Currency        string `mapstructure:"currency"`
	Enabled         bool   `mapstructure:"enabled"`
	MinAmount       string `mapstructure:"min_amount"`
	MaxInstallments int    `mapstructure:"max_installments"`
}

type Non3DRuleSpec struct {
	Provider     string   `mapstructure:"provider"`
	Currency     string   `mapstructure:"currency"`
	Allowed      bool     `mapstructure:"allowed"`
	MaxAmount    string   `mapstructure:"max_amount"`
	PaymentTypes []string `mapstructure:"payment_types"`
}

func setPOSDefaults(v *viper.Viper) {
	v.SetDefault("default_provider", "ziraat")
	v.SetDefault("ziraat.enabled", false)
	v.SetDefault("ziraat.api_url", "https://sanalpos2.ziraatbank.com.tr/fim/api")
	v.SetDefault("ziraat.three_ds_gate_url", "https://sanalpos2.ziraatbank.com.tr/fim/est3Dgate")
	v.SetDefault("ziraat.lang", "tr")
	v.SetDefault("ziraat.timeout", "30s")
	v.SetDefault("ziraat.client_id", "")
	v.SetDefault("ziraat.username", "")
	v.SetDefault("ziraat.password", "")
	v.SetDefault("ziraat.store_key", "")
	v.SetDefault("payten.enabled", false)
	v.SetDefault("payten.api_url", "https://merchantsafeunipay.com/msu/api/v2")
	v.SetDefault("payten.three_ds_gate_url", "https://merchantsafeunipay.com/msu/3dgate")
	v.SetDefault("payten.timeout", "30s")
	v.SetDefault("payten.merchant", "")
	v.SetDefault("payten.merchant_user", "")
	v.SetDefault("payten.merchant_password", "")
	v.SetDefault("preauth.hold_duration", "168h")
	v.SetDefault("preauth.capture_deadline", "144h")
	v.SetDefault("risk.version", "default")
}

// LoadPOS reads the YAML file at path (optional) with POS_* environment
// overrides, e.g. POS_ZIRAAT_PASSWORD.
func LoadPOS(path string) (*POSConfig, error) {
	v := viper.New()
	setPOSDefaults(v)
	v.SetEnvPrefix("POS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg := &POSConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode pos config: %w", err)
	}
	if cfg.Preauth.CaptureDeadline > cfg.Preauth.HoldDuration {
		return nil, fmt.Errorf("preauth.capture_deadline (%s) exceeds hold_duration (%s)",
			cfg.Preauth.CaptureDeadline, cfg.Preauth.HoldDuration)
	}
	if _, err := cfg.RuleSet(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RuleSet converts the risk section into the evaluator's rule set.
func (c *POSConfig) RuleSet() (risk.RuleSet, error) {
	rs := risk.RuleSet{
		Version:    c.Risk.Version,
		DeniedBINs: c.Risk.DeniedBINs,
	}
	for i, l := range c.Risk.AmountLimits {
		max, err := parseAmount(l.Max)
		if err != nil {
			return risk.RuleSet{}, fmt.Errorf("risk.amount_limits[%d].max: %w", i, err)
		}
		rs.AmountLimits = append(rs.AmountLimits, risk.AmountLimit{Currency: model.Currency(strings.ToUpper(l.Currency)), Max: max})
	}
	for i, r := range c.Risk.Installment {
		min, err := parseAmount(r.MinAmount)
		if err != nil {
			return risk.RuleSet{}, fmt.Errorf("risk.installment[%d].min_amount: %w", i, err)
		}
		rs.Installment = append(rs.Installment, risk.InstallmentRule{
			Provider:        r.Provider,
			Currency:        model.Currency(strings.ToUpper(r.Currency)),
			Enabled:         r.Enabled,
			MinAmount:       min,
			MaxInstallments: r.MaxInstallments,
		})
	}
	for i, r := range c.Risk.Non3DFallback {
		max, err := parseAmount(r.MaxAmount)
		if err != nil {
			return risk.RuleSet{}, fmt.Errorf("risk.non3d_fallback[%d].max_amount: %w", i, err)
		}
		rule := risk.Non3DFallbackRule{
			Provider:  r.Provider,
			Currency:  model.Currency(strings.ToUpper(r.Currency)),
			Allowed:   r.Allowed,
			MaxAmount: max,
		}
		for _, pt := range r.PaymentTypes {
			ptype := model.PaymentType(strings.ToUpper(pt))
			if !ptype.Valid() {
				return risk.RuleSet{}, fmt.Errorf("risk.non3d_fallback[%d]: unknown payment type %q", i, pt)
			}
			rule.PaymentTypes = append(rule.PaymentTypes, ptype)
		}
		rs.Non3DFallback = append(rs.Non3DFallback, rule)
	}
	return rs, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}
