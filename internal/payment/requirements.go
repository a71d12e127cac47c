package payment

import (
	"fmt"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// RequirementsOverrides are the only fields a caller may change. Payee and
// network always come from server policy.
type RequirementsOverrides struct {
	MaxAmountRequired uint64
	Description       string
}

// RequirementsSource produces the challenge for a gated resource.
type RequirementsSource interface {
	GetRequirements(resourceID string, overrides *RequirementsOverrides) (*PaymentRequirements, error)
}

type RequirementsProvider struct {
	cm         *utils.ConfigManager
	network    string
	scheme     string
	asset      string
	price      uint64
	maxTimeout int
	table      *PriceTable
	logger     *utils.LogsManager
}

func NewRequirementsProvider(cm *utils.ConfigManager, logger *utils.LogsManager) (*RequirementsProvider, error) {
	network := cm.GetConfigWithDefault("x402_network", "eip155:84532")
	if _, err := NetworkFamily(network); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	p := &RequirementsProvider{
		cm:         cm,
		network:    network,
		scheme:     cm.GetConfigWithDefault("x402_scheme", SchemeExact),
		asset:      cm.GetConfigWithDefault("x402_asset", NativeAsset(network)),
		price:      cm.GetConfigUint64("x402_price_per_call", 0),
		maxTimeout: cm.GetConfigInt("x402_max_timeout_seconds", 60, 1, 3600),
		logger:     logger,
	}

	if path := cm.GetConfigWithDefault("x402_price_table_file", ""); path != "" {
		table, err := LoadPriceTable(path)
		if err != nil {
			return nil, err
		}
		p.table = table
		logger.Info(fmt.Sprintf("Loaded price table %s with %d resources", path, len(table.Resources)), "requirements")
	}

	return p, nil
}

func (p *RequirementsProvider) Network() string {
	return p.network
}

// payTo reads the payee on every call so runtime config changes apply.
// `x402_pay_to.<network>` wins over the global `x402_pay_to`.
func (p *RequirementsProvider) payTo() string {
	if v := p.cm.GetConfigWithDefault("x402_pay_to."+p.network, ""); v != "" {
		return v
	}
	return p.cm.GetConfigWithDefault("x402_pay_to", "")
}

func (p *RequirementsProvider) GetRequirements(resourceID string, overrides *RequirementsOverrides) (*PaymentRequirements, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("%w: empty resource id", ErrConfiguration)
	}

	payTo := p.payTo()
	if payTo == "" {
		return nil, fmt.Errorf("%w: no payee address configured for %s", ErrConfiguration, p.network)
	}
	if err := ValidateAddress(p.network, payTo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	req := &PaymentRequirements{
		ResourceID:        resourceID,
		Scheme:            p.scheme,
		Network:           p.network,
		PayTo:             payTo,
		MaxAmountRequired: p.price,
		Asset:             p.asset,
		Description:       fmt.Sprintf("Access to %s", resourceID),
		MimeType:          "application/json",
		MaxTimeoutSeconds: p.maxTimeout,
	}

	if entry, ok := p.table.Lookup(resourceID); ok {
		req.MaxAmountRequired = entry.Price
		if entry.Description != "" {
			req.Description = entry.Description
		}
		if entry.Asset != "" {
			req.Asset = entry.Asset
		}
	}

	if overrides != nil {
		if overrides.MaxAmountRequired > 0 {
			req.MaxAmountRequired = overrides.MaxAmountRequired
		}
		if overrides.Description != "" {
			req.Description = overrides.Description
		}
	}

	if req.MaxAmountRequired == 0 {
		return nil, fmt.Errorf("%w: price for %s must be positive", ErrConfiguration, resourceID)
	}

	return req, nil
}

// HashRequirements is the hex BLAKE3 digest of the canonical JSON of req.
func HashRequirements(req *PaymentRequirements) (string, error) {
	return utils.HashCanonical(req)
}
