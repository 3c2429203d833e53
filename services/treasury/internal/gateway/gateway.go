package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
)

// Deterministic in-process gateways. The real channel and federation clients
// live outside this engine; these implementations carry their contract and
// are explicit about outcomes — any fault injection belongs in test doubles,
// never here.

type Config struct {
	ChannelOpenFeeSat int64
	MaxSettleSat      int64
}

func DefaultConfig() Config {
	return Config{
		ChannelOpenFeeSat: 250,
		MaxSettleSat:      50_000_000,
	}
}

// LightningGateway settles over the channel layer.
type LightningGateway struct {
	cfg    Config
	logger *slog.Logger
}

func NewLightningGateway(cfg Config, logger *slog.Logger) *LightningGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSettleSat <= 0 {
		cfg.MaxSettleSat = DefaultConfig().MaxSettleSat
	}
	return &LightningGateway{cfg: cfg, logger: logger}
}

func (g *LightningGateway) OpenOrExpandChannel(ctx context.Context, accountID uuid.UUID, amountSat int64) (storage.ChannelGrant, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChannelGrant{}, err
	}
	if amountSat <= 0 {
		return storage.ChannelGrant{}, fmt.Errorf("channel size must be positive")
	}
	grant := storage.ChannelGrant{
		ChannelID: "chan-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(accountID.String())).String(),
		FeeSat:    g.cfg.ChannelOpenFeeSat,
	}
	g.logger.Info("channel expanded", "account_id", accountID.String(), "amount_sat", amountSat, "channel_id", grant.ChannelID)
	return grant, nil
}

func (g *LightningGateway) Settle(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amountSat int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amountSat <= 0 || amountSat > g.cfg.MaxSettleSat {
		return "", fmt.Errorf("settle amount %d sat outside gateway bounds", amountSat)
	}
	txRef := "ln-" + uuid.NewString()
	g.logger.Info("lightning settlement", "from", fromAccountID.String(), "to", toAccountID.String(), "amount_sat", amountSat, "tx_ref", txRef)
	return txRef, nil
}

// FederatedGateway settles on the e-cash ledger. E-cash value has no channel
// capacity constraint, so OpenOrExpandChannel is a fee-free no-op grant.
type FederatedGateway struct {
	logger *slog.Logger
}

func NewFederatedGateway(logger *slog.Logger) *FederatedGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &FederatedGateway{logger: logger}
}

func (g *FederatedGateway) OpenOrExpandChannel(ctx context.Context, accountID uuid.UUID, amountSat int64) (storage.ChannelGrant, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChannelGrant{}, err
	}
	return storage.ChannelGrant{ChannelID: "fed-" + accountID.String(), FeeSat: 0}, nil
}

func (g *FederatedGateway) Settle(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amountSat int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amountSat <= 0 {
		return "", fmt.Errorf("settle amount must be positive")
	}
	txRef := "fed-" + uuid.NewString()
	g.logger.Info("federated settlement", "from", fromAccountID.String(), "to", toAccountID.String(), "amount_sat", amountSat, "tx_ref", txRef)
	return txRef, nil
}
