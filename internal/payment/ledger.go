package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/utils"
)

// TransferAdapter moves value on a ledger on behalf of a credential.
type TransferAdapter interface {
	Transfer(ctx context.Context, cred *Credential, toAddress string, amount uint64, network string) (*TransferReceipt, error)
	Balance(ctx context.Context, cred *Credential) (*Balance, error)
}

// LedgerClient is an authenticated connection for one credential.
type LedgerClient interface {
	Address() string
	Network() string
	// Transfer blocks until the transfer is final or ctx ends. On timeout it
	// returns the PENDING receipt together with ErrNetworkUnavailable.
	Transfer(ctx context.Context, to string, amount uint64) (*TransferReceipt, error)
	Balance(ctx context.Context) (uint64, error)
	Close()
}

// Connector creates ledger clients for one network family.
type Connector interface {
	Connect(ctx context.Context, cred *Credential) (LedgerClient, error)
	BalanceOf(ctx context.Context, network string, address string) (uint64, error)
}

// LedgerAdapter routes transfers to the connector of the target network and
// reuses per-caller clients from the cache. It never retries a transfer.
type LedgerAdapter struct {
	connectors map[string]Connector
	cache      *ClientCache
	timeout    time.Duration
	logger     *utils.LogsManager
}

func NewLedgerAdapter(cm *utils.ConfigManager, logger *utils.LogsManager, cache *ClientCache) *LedgerAdapter {
	la := &LedgerAdapter{
		connectors: make(map[string]Connector),
		cache:      cache,
		timeout:    cm.GetConfigDuration("ledger_transfer_timeout", 30*time.Second),
		logger:     logger,
	}
	pollInterval := cm.GetConfigDuration("ledger_poll_interval", 2*time.Second)
	la.RegisterConnector(FamilyEVM, NewEVMConnector(cm, pollInterval))
	la.RegisterConnector(FamilySolana, NewSolanaConnector(cm, pollInterval))
	return la
}

// NewLedgerAdapterWithConnectors is used when connectors are supplied by the
// caller instead of built from configuration.
func NewLedgerAdapterWithConnectors(logger *utils.LogsManager, cache *ClientCache, timeout time.Duration, connectors map[string]Connector) *LedgerAdapter {
	la := &LedgerAdapter{
		connectors: make(map[string]Connector),
		cache:      cache,
		timeout:    timeout,
		logger:     logger,
	}
	for family, c := range connectors {
		la.RegisterConnector(family, c)
	}
	return la
}

func (la *LedgerAdapter) RegisterConnector(family string, c Connector) {
	la.connectors[family] = c
}

func (la *LedgerAdapter) connector(network string) (Connector, error) {
	family, err := NetworkFamily(network)
	if err != nil {
		return nil, err
	}
	c, ok := la.connectors[family]
	if !ok {
		return nil, fmt.Errorf("%w: no connector for %s", ErrUnsupportedNetwork, family)
	}
	return c, nil
}

func (la *LedgerAdapter) Transfer(ctx context.Context, cred *Credential, toAddress string, amount uint64, network string) (*TransferReceipt, error) {
	if cred == nil {
		return nil, ErrNoCredential
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if cred.Network != network {
		return nil, fmt.Errorf("%w: credential on %s, payment on %s", ErrNetworkMismatch, cred.Network, network)
	}
	if err := ValidateAddress(network, toAddress); err != nil {
		return nil, err
	}

	connector, err := la.connector(network)
	if err != nil {
		return nil, err
	}

	client, err := la.cache.GetOrConnect(ctx, cred, connector)
	if err != nil {
		return nil, classifyLedgerError(err)
	}

	transferCtx, cancel := context.WithTimeout(ctx, la.timeout)
	defer cancel()

	la.logger.Info(fmt.Sprintf("Transferring %d on %s from %s to %s for user %s",
		amount, network, client.Address(), toAddress, cred.UserID), "ledger")

	receipt, err := client.Transfer(transferCtx, toAddress, amount)
	if err != nil {
		err = classifyLedgerError(err)
		la.logger.Warn(fmt.Sprintf("Transfer for user %s failed: %v", cred.UserID, err), "ledger")
		return receipt, err
	}

	la.logger.Info(fmt.Sprintf("Transfer %s finished with status %s", receipt.TransactionID, receipt.Status), "ledger")
	return receipt, nil
}

func (la *LedgerAdapter) Balance(ctx context.Context, cred *Credential) (*Balance, error) {
	if cred == nil {
		return nil, ErrNoCredential
	}
	connector, err := la.connector(cred.Network)
	if err != nil {
		return nil, err
	}
	client, err := la.cache.GetOrConnect(ctx, cred, connector)
	if err != nil {
		return nil, classifyLedgerError(err)
	}

	amount, err := client.Balance(ctx)
	if err != nil {
		return nil, classifyLedgerError(err)
	}
	return &Balance{Address: client.Address(), Network: cred.Network, Amount: amount, Asset: NativeAsset(cred.Network)}, nil
}

// BalanceOf reads any address without a credential.
func (la *LedgerAdapter) BalanceOf(ctx context.Context, network string, address string) (*Balance, error) {
	if err := ValidateAddress(network, address); err != nil {
		return nil, err
	}
	connector, err := la.connector(network)
	if err != nil {
		return nil, err
	}
	amount, err := connector.BalanceOf(ctx, network, address)
	if err != nil {
		return nil, classifyLedgerError(err)
	}
	return &Balance{Address: address, Network: network, Amount: amount, Asset: NativeAsset(network)}, nil
}

// classifyLedgerError keeps known ledger errors and folds anything else into
// ErrNetworkUnavailable.
func classifyLedgerError(err error) error {
	known := []error{ErrInsufficientFunds, ErrInvalidAddress, ErrNetworkUnavailable, ErrNetworkMismatch,
		ErrInvalidPrivateKey, ErrConfiguration, ErrUnsupportedNetwork, ErrInvalidAmount}
	for _, k := range known {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
}
