package ledger

import (
	fpmath "SettleLedger/internal/math"
	"fmt"
)

// Rail is one of the independent payout paths.
type Rail string

const (
	RailCrypto Rail = "crypto"
	RailDemo   Rail = "demo"
	RailFiat   Rail = "fiat"
)

// Currency identifies the unit a ledger row is denominated in.
type Currency string

const (
	CurrencyUSD     Currency = "USD"
	CurrencyDemoUSD Currency = "DEMO_USD"
	CurrencyNGN     Currency = "NGN"
)

// Provider names. (provider, external_ref) is the ledger dedup key.
const (
	ProviderCryptoBaseUSDC = "crypto-base-usdc"
	ProviderDemoWallet     = "demo-wallet"
	ProviderFiatPaystack   = "fiat-paystack"
	ProviderInternalWallet = "internal-wallet"
)

// Channel names group rows by purpose for reporting and balance filters.
const (
	ChannelPayout         = "payout"
	ChannelPayoutFallback = "payout_fallback"
	ChannelCreatorFee     = "creator_fee"
	ChannelPlatformFee    = "platform_fee"
	ChannelRefund         = "refund"
	ChannelForfeit        = "forfeit"
	ChannelSettlementRoot = "settlement_root"
	ChannelCorrection     = "correction"
	ChannelDeposit        = "deposit"
	ChannelWithdrawal     = "withdrawal"
	ChannelStake          = "stake"
)

type railInfo struct {
	currency Currency
	provider string
}

var rails = map[Rail]railInfo{
	RailCrypto: {currency: CurrencyUSD, provider: ProviderCryptoBaseUSDC},
	RailDemo:   {currency: CurrencyDemoUSD, provider: ProviderDemoWallet},
	RailFiat:   {currency: CurrencyNGN, provider: ProviderFiatPaystack},
}

var currencyConfigs = map[Currency]fpmath.DecimalConfig{
	CurrencyUSD:     fpmath.USDCConfig,
	CurrencyDemoUSD: fpmath.DemoConfig,
	CurrencyNGN:     fpmath.NGNConfig,
}

// AllRails returns rails in a fixed processing order.
func AllRails() []Rail {
	return []Rail{RailCrypto, RailDemo, RailFiat}
}

// ParseRail validates a rail string.
func ParseRail(s string) (Rail, error) {
	r := Rail(s)
	if _, ok := rails[r]; !ok {
		return "", fmt.Errorf("%w: unknown rail %q", ErrInvalidTransaction, s)
	}
	return r, nil
}

// Currency returns the currency a rail settles in.
func (r Rail) Currency() Currency {
	return rails[r].currency
}

// Provider returns the ledger provider used for a rail's postings.
func (r Rail) Provider() string {
	return rails[r].provider
}

// Valid reports whether the rail is known.
func (r Rail) Valid() bool {
	_, ok := rails[r]
	return ok
}

// Config returns the fixed-point configuration for a currency.
func (c Currency) Config() (fpmath.DecimalConfig, bool) {
	cfg, ok := currencyConfigs[c]
	return cfg, ok
}

// Valid reports whether the currency is known.
func (c Currency) Valid() bool {
	_, ok := currencyConfigs[c]
	return ok
}
