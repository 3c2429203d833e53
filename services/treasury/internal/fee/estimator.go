package fee

import (
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
	"github.com/shopspring/decimal"
)

type RouteType string

const (
	RouteInternal  RouteType = "internal"
	RouteLightning RouteType = "lightning"
	RouteFederated RouteType = "federated"
)

const ppmDenominator = 1_000_000

type Config struct {
	// LightningBaseRatePPM is the network fee rate for channel routes, in
	// parts per million of the swap amount.
	LightningBaseRatePPM int64
	// BridgeFlatSat is charged per cross-context swap when the bridge fee is
	// flat; BridgeRatePPM applies instead when Proportional is set.
	BridgeFlatSat int64
	BridgeRatePPM int64
	Proportional  bool
}

func DefaultConfig() Config {
	return Config{
		LightningBaseRatePPM: 1_000,
		BridgeFlatSat:        10,
		BridgeRatePPM:        500,
		Proportional:         false,
	}
}

type Estimator struct {
	cfg Config
}

func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// Estimate prices one swap. It is called exactly once, during validation, and
// the result is frozen into the SwapRecord.
func (e *Estimator) Estimate(amountSat int64, route RouteType, crossContext bool) storage.SwapFees {
	fees := storage.SwapFees{}
	if amountSat <= 0 {
		return fees
	}

	if route == RouteLightning {
		fees.NetworkFeeSat = ceilPPM(amountSat, e.cfg.LightningBaseRatePPM)
		if fees.NetworkFeeSat < 1 {
			fees.NetworkFeeSat = 1
		}
	}

	if crossContext {
		if e.cfg.Proportional {
			fees.BridgeFeeSat = ceilPPM(amountSat, e.cfg.BridgeRatePPM)
		} else {
			fees.BridgeFeeSat = e.cfg.BridgeFlatSat
		}
	}

	fees.TotalSat = fees.NetworkFeeSat + fees.BridgeFeeSat
	return fees
}

// RouteFor maps a swap type onto the fee route it settles over.
func RouteFor(swapType storage.SwapType) RouteType {
	switch {
	case swapType == storage.SwapInternal:
		return RouteInternal
	case swapType.InvolvesLightning():
		return RouteLightning
	default:
		return RouteFederated
	}
}

func ceilPPM(amountSat, ratePPM int64) int64 {
	if ratePPM <= 0 {
		return 0
	}
	fee := decimal.NewFromInt(amountSat).
		Mul(decimal.NewFromInt(ratePPM)).
		Div(decimal.NewFromInt(ppmDenominator)).
		Ceil()
	return fee.IntPart()
}
