package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog is the operator-maintained seed file for hosts, plans and
// bot_settings defaults. It is applied with upsert semantics on startup or by
// the seed command.
type Catalog struct {
	Hosts    []CatalogHost     `yaml:"hosts"`
	Plans    []CatalogPlan     `yaml:"plans"`
	Settings map[string]string `yaml:"settings"`
}

type CatalogHost struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	InboundID int    `yaml:"inbound_id"`
	Code      string `yaml:"code"`
}

type CatalogPlan struct {
	ID            string  `yaml:"id"`
	Host          string  `yaml:"host"`
	Name          string  `yaml:"name"`
	Price         string  `yaml:"price"`
	DurationDays  int     `yaml:"duration_days"`
	DurationHours int     `yaml:"duration_hours"`
	QuotaGB       float64 `yaml:"quota_gb"`
	ProvisionMode string  `yaml:"provision_mode"`
}

// PriceDecimal parses Price; an empty price is zero.
func (p CatalogPlan) PriceDecimal() (decimal.Decimal, error) {
	raw := strings.TrimSpace(p.Price)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

func (c Catalog) Validate() error {
	hosts := make(map[string]struct{}, len(c.Hosts))
	codes := make(map[string]struct{}, len(c.Hosts))
	for i, h := range c.Hosts {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("hosts[%d]: name is required", i)
		}
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("hosts[%d]: url is required", i)
		}
		if h.InboundID <= 0 {
			return fmt.Errorf("hosts[%d]: inbound_id must be positive", i)
		}
		code := strings.TrimSpace(h.Code)
		if code == "" || strings.ContainsAny(code, "@ ") {
			return fmt.Errorf("hosts[%d]: code must be a short slug", i)
		}
		if _, dup := codes[code]; dup {
			return fmt.Errorf("hosts[%d]: duplicate code %q", i, code)
		}
		codes[code] = struct{}{}
		hosts[h.Name] = struct{}{}
	}
	for i, p := range c.Plans {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("plans[%d]: id is required", i)
		}
		if _, ok := hosts[p.Host]; !ok && len(c.Hosts) > 0 {
			return fmt.Errorf("plans[%d]: unknown host %q", i, p.Host)
		}
		if p.DurationDays < 0 || p.DurationHours < 0 || p.DurationDays+p.DurationHours == 0 {
			return fmt.Errorf("plans[%d]: duration must be positive", i)
		}
		if p.QuotaGB < 0 {
			return fmt.Errorf("plans[%d]: quota_gb must not be negative", i)
		}
		switch p.ProvisionMode {
		case "", "key", "subscription":
		default:
			return fmt.Errorf("plans[%d]: unknown provision_mode %q", i, p.ProvisionMode)
		}
		price, err := p.PriceDecimal()
		if err != nil {
			return fmt.Errorf("plans[%d]: invalid price: %w", i, err)
		}
		if price.IsNegative() {
			return fmt.Errorf("plans[%d]: price must not be negative", i)
		}
	}
	return nil
}
