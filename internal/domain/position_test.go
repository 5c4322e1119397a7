package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPnLFraction(t *testing.T) {
	p := Position{Side: SideLong, EntryPrice: dec("100")}
	assert.Equal(t, "0.05", p.PnLFraction(dec("105")).String())
	assert.Equal(t, "-0.05", p.PnLFraction(dec("95")).String())

	p.Side = SideShort
	assert.Equal(t, "-0.05", p.PnLFraction(dec("105")).String())
	assert.Equal(t, "0.05", p.PnLFraction(dec("95")).String())

	p.Side = SideNeutral
	assert.Equal(t, "0.05", p.PnLFraction(dec("105")).String())
	assert.Equal(t, "0.05", p.PnLFraction(dec("95")).String())

	p.EntryPrice = decimal.Zero
	assert.True(t, p.PnLFraction(dec("95")).IsZero(), "zero entry never divides")
}

func TestEffectiveLeverage(t *testing.T) {
	p := Position{Size: dec("10"), Collateral: dec("500")}
	assert.Equal(t, "2", p.EffectiveLeverage(dec("100")).String())

	p.Collateral = decimal.Zero
	assert.True(t, p.EffectiveLeverage(dec("100")).IsZero(), "spot/LP positions have no leverage")
}

func TestSnapshotNewer(t *testing.T) {
	s := MarketSnapshot{SnapshotID: 5}
	assert.True(t, s.Newer(4))
	assert.False(t, s.Newer(5))
	assert.False(t, s.Newer(6))
}
