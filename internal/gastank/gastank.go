// Package gastank funds EVM escrows with native gas from an operator
// wallet so token approvals and transfers can be sent from addresses
// that only ever received tokens. Residual subsidy above a dust
// threshold is reclaimed after the swap. Tank nonce state is the
// contention point, so funding operations serialize per chain.
package gastank

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crosslane-exchange/crosslane/internal/adapter"
	"github.com/crosslane-exchange/crosslane/internal/deal"
	"github.com/crosslane-exchange/crosslane/internal/otcerr"
	"github.com/crosslane-exchange/crosslane/pkg/logging"
)

// fundingConfirmTimeout bounds how long we wait for the funding tx to
// mine before the dependent operation proceeds on hope.
const fundingConfirmTimeout = 5 * time.Minute

// fundingPollInterval is how often the funding tx is re-checked.
const fundingPollInterval = 5 * time.Second

// Config holds the tank wallet material.
type Config struct {
	// TankKeyHex is the operator wallet's private key, shared across
	// EVM chains. Empty disables funding; dependent operations are
	// still attempted.
	TankKeyHex string

	// RefundDust is the minimum residual native per chain worth
	// reclaiming. Chains without an entry never refund.
	RefundDust map[uint64]*deal.Amount
}

// Coordinator manages escrow gas subsidies.
type Coordinator struct {
	cfg      Config
	adapters *adapter.Registry
	tankAddr string
	log      *logging.Logger

	// One funding operation in flight per chain.
	chainMu map[uint64]*sync.Mutex
	mu      sync.Mutex
}

// New creates a coordinator. An unparseable tank key is treated as
// absent: funding is skipped and logged, never fatal.
func New(cfg Config, adapters *adapter.Registry) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		adapters: adapters,
		log:      logging.GetDefault().Component("gastank"),
		chainMu:  make(map[uint64]*sync.Mutex),
	}
	if cfg.TankKeyHex != "" {
		if key, err := crypto.HexToECDSA(cfg.TankKeyHex); err == nil {
			c.tankAddr = crypto.PubkeyToAddress(key.PublicKey).Hex()
		} else {
			c.log.Error("tank key unusable, gas funding disabled", "error", err)
		}
	}
	return c
}

// TankAddress returns the tank wallet address, empty when no key is
// configured.
func (c *Coordinator) TankAddress() string {
	return c.tankAddr
}

func (c *Coordinator) lockChain(chainID uint64) func() {
	c.mu.Lock()
	m, ok := c.chainMu[chainID]
	if !ok {
		m = &sync.Mutex{}
		c.chainMu[chainID] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// EnsureGas tops the escrow up so the given transfer can execute. It
// estimates with the adapter's safety factor, funds the shortfall from
// the tank and waits for at least one confirmation. Without a tank key
// it logs and returns nil so the dependent operation is attempted
// regardless.
func (c *Coordinator) EnsureGas(ctx context.Context, chainID uint64, escrow *deal.Escrow, req *adapter.TransferRequest) error {
	a, err := c.adapters.Get(chainID)
	if err != nil {
		return err
	}
	support, ok := a.(adapter.GasTankSupport)
	if !ok {
		return nil
	}

	unlock := c.lockChain(a.ChainID())
	defer unlock()

	balance, err := support.NativeBalance(ctx, escrow.Address)
	if err != nil {
		return err
	}
	need, err := support.EstimateFundingNeed(ctx, req)
	if err != nil {
		return err
	}
	if balance.Cmp(need) >= 0 {
		return nil
	}
	shortfall := new(big.Int).Sub(need, balance)

	if c.tankAddr == "" {
		c.log.Warn("escrow lacks gas and no tank key is configured, attempting anyway",
			"escrow", escrow.Address, "shortfall", shortfall)
		return nil
	}

	txid, err := support.FundFromTank(ctx, c.cfg.TankKeyHex, escrow.Address, shortfall)
	if err != nil {
		return err
	}
	c.log.Info("escrow gas funded", "escrow", escrow.Address, "amount", shortfall, "tx", txid)

	return c.waitForConfirmation(ctx, a, txid)
}

func (c *Coordinator) waitForConfirmation(ctx context.Context, a adapter.Adapter, txid string) error {
	deadline := time.Now().Add(fundingConfirmTimeout)
	for {
		conf, err := a.GetTxConfirmations(ctx, txid)
		if err == nil && conf >= 1 {
			return nil
		}
		if time.Now().After(deadline) {
			return otcerr.E(otcerr.KindAdapterTransient, "funding tx %s unconfirmed after %s", txid, fundingConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fundingPollInterval):
		}
	}
}

// PlanRefund builds a GAS_REFUND_TO_TANK intent for the escrow's
// residual native balance. Returns nil when the residual is below the
// chain's dust threshold or no tank exists to refund to.
func (c *Coordinator) PlanRefund(ctx context.Context, dealID string, chainID uint64, escrow *deal.Escrow) (*deal.PayoutIntent, error) {
	if c.tankAddr == "" {
		return nil, nil
	}
	a, err := c.adapters.Get(chainID)
	if err != nil {
		return nil, err
	}
	support, ok := a.(adapter.GasTankSupport)
	if !ok {
		return nil, nil
	}

	balance, err := support.NativeBalance(ctx, escrow.Address)
	if err != nil {
		return nil, err
	}
	dust := c.cfg.RefundDust[chainID]
	if dust == nil || balance.Cmp(dust.Int()) <= 0 {
		return nil, nil
	}

	return deal.NewPayoutIntent(dealID, chainID, escrow.Address, c.tankAddr,
		a.Params().GetNativeToken(), deal.NewAmount(balance),
		deal.PurposeGasRefundToTank, 1), nil
}
