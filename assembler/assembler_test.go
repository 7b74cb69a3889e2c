package assembler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/dropbit/assembler"
	"gitlab.com/arcanecrypto/dropbit/fees"
	"gitlab.com/arcanecrypto/dropbit/payerr"
	"gitlab.com/arcanecrypto/dropbit/testutil"
	"gitlab.com/arcanecrypto/dropbit/testutil/mock"
	"gitlab.com/arcanecrypto/dropbit/testutil/txtest"
)

var network = &chaincfg.TestNet3Params

func TestValidateAddress(t *testing.T) {
	t.Parallel()
	valid := txtest.MockAddress(network).EncodeAddress()

	address, err := assembler.ValidateAddress("  "+valid+"\n", network)
	require.NoError(t, err)
	assert.Equal(t, valid, address.EncodeAddress())

	mainnet := txtest.MockAddress(&chaincfg.MainNetParams).EncodeAddress()
	for _, invalid := range []string{"", "   ", "not an address", mainnet} {
		_, err := assembler.ValidateAddress(invalid, network)
		testutil.AssertErrorIs(t, err, assembler.ErrAddressInvalid, invalid)
		testutil.AssertErrorClass(t, err, payerr.UserActionable)
	}
}

func TestStandard(t *testing.T) {
	t.Parallel()
	engine := mock.NewSigningEngine(100000)
	asm := assembler.New(engine, network)
	dest := txtest.MockAddress(network).EncodeAddress()
	quote := fees.Quote{Fast: 20, Slow: 10, Cheap: 0.5}

	t.Run("uses the tier rate", func(t *testing.T) {
		data, err := asm.Standard(context.Background(), 5000, dest, quote, fees.Slow, fees.DefaultFloor)
		require.NoError(t, err)
		assert.Equal(t, fees.Rate(10), data.FeeRate)
		assert.Equal(t, fees.Slow, data.Tier)
		assert.Equal(t, btcutil.Amount(1410), data.Fee)
		assert.Equal(t, btcutil.Amount(5000+1410), data.Total())
	})

	t.Run("raises cheap tier to the floor", func(t *testing.T) {
		data, err := asm.Standard(context.Background(), 5000, dest, quote, fees.Cheap, fees.DefaultFloor)
		require.NoError(t, err)
		assert.Equal(t, fees.DefaultFloor, data.FeeRate)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := asm.Standard(context.Background(), 0, dest, quote, fees.Fast, fees.DefaultFloor)
		testutil.AssertErrorIs(t, err, assembler.ErrInvalidAmount)
		_, err = asm.Standard(context.Background(), -1, dest, quote, fees.Fast, fees.DefaultFloor)
		testutil.AssertErrorIs(t, err, assembler.ErrInvalidAmount)
	})

	t.Run("fails when the quote is below the floor", func(t *testing.T) {
		_, err := asm.Standard(context.Background(), 5000, dest, fees.Quote{Fast: 0.5}, fees.Fast, fees.DefaultFloor)
		testutil.AssertErrorIs(t, err, fees.ErrFeeBelowFloor)
	})
}

func TestRequiredRateDoesNotClamp(t *testing.T) {
	t.Parallel()
	engine := mock.NewSigningEngine(100000)
	asm := assembler.New(engine, network)

	data, err := asm.RequiredRate(context.Background(), 1000,
		txtest.MockAddress(network).EncodeAddress(), 0.5)
	require.NoError(t, err)
	assert.Equal(t, fees.Rate(0.5), data.FeeRate)

	_, err = asm.RequiredRate(context.Background(), 1000,
		txtest.MockAddress(network).EncodeAddress(), 0)
	testutil.AssertErrorIs(t, err, assembler.ErrInvalidFeeRate)
}

func TestTiered(t *testing.T) {
	t.Parallel()
	dest := txtest.MockAddress(network).EncodeAddress()
	quote := fees.Quote{Fast: 100, Slow: 50, Cheap: 10}

	t.Run("builds all tiers", func(t *testing.T) {
		asm := assembler.New(mock.NewSigningEngine(1000000), network)
		candidates, err := asm.Tiered(context.Background(), 10000, dest, quote, fees.DefaultFloor)
		require.NoError(t, err)
		require.NotNil(t, candidates.Medium)
		require.NotNil(t, candidates.High)
		assert.Equal(t, fees.Cheap, candidates.Low.Tier)
		assert.Equal(t, fees.Rate(50), candidates.Medium.FeeRate)
		assert.Equal(t, fees.Rate(100), candidates.High.FeeRate)

		data, ok := candidates.ForTier(fees.Fast)
		assert.True(t, ok)
		assert.Equal(t, *candidates.High, data)
	})

	t.Run("leaves out tiers the wallet can't afford", func(t *testing.T) {
		// 10000 + 141*10 fits, 10000 + 141*50 doesn't
		asm := assembler.New(mock.NewSigningEngine(12000), network)
		candidates, err := asm.Tiered(context.Background(), 10000, dest, quote, fees.DefaultFloor)
		require.NoError(t, err)
		assert.Nil(t, candidates.Medium)
		assert.Nil(t, candidates.High)
		assert.Equal(t, btcutil.Amount(1410), candidates.Low.Fee)

		_, ok := candidates.ForTier(fees.Slow)
		assert.False(t, ok)
	})

	t.Run("fails if the low tier fails", func(t *testing.T) {
		asm := assembler.New(mock.NewSigningEngine(10500), network)
		_, err := asm.Tiered(context.Background(), 10000, dest, quote, fees.DefaultFloor)
		testutil.AssertErrorIs(t, err, assembler.ErrInsufficientFunds)
		testutil.AssertErrorClass(t, err, payerr.UserActionable)
	})

	t.Run("fails without spendable outputs", func(t *testing.T) {
		asm := assembler.New(mock.NewSigningEngine(0), network)
		_, err := asm.Tiered(context.Background(), 10000, dest, quote, fees.DefaultFloor)
		testutil.AssertErrorIs(t, err, assembler.ErrNoSpendableUTXOs)
	})
}

func TestMaxSend(t *testing.T) {
	t.Parallel()
	asm := assembler.New(mock.NewSigningEngine(50000), network)
	dest := txtest.MockAddress(network).EncodeAddress()

	data, err := asm.MaxSend(context.Background(), dest, 10)
	require.NoError(t, err)
	assert.True(t, data.IsMaxSend)
	assert.Equal(t, btcutil.Amount(50000), data.Total())
	assert.Equal(t, btcutil.Amount(0), data.ChangeAmount)

	_, err = asm.MaxSend(context.Background(), "bogus", 10)
	testutil.AssertErrorIs(t, err, assembler.ErrAddressInvalid)
}

type failingEngine struct{ err error }

func (f failingEngine) AssembleTransaction(context.Context, btcutil.Amount,
	string, fees.Rate) (assembler.TransactionData, error) {
	return assembler.TransactionData{}, f.err
}

func (f failingEngine) AssembleMaxSend(context.Context, string,
	fees.Rate) (assembler.TransactionData, error) {
	return assembler.TransactionData{}, f.err
}

func TestEngineErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	cause := errors.New("hardware wallet disconnected")
	asm := assembler.New(failingEngine{err: cause}, network)

	_, err := asm.RequiredRate(context.Background(), 1000,
		txtest.MockAddress(network).EncodeAddress(), 5)
	testutil.AssertErrorIs(t, err, cause)
	testutil.AssertErrorClass(t, err, payerr.Unclassified)
}

func TestEstimateFee(t *testing.T) {
	t.Parallel()
	assert.Equal(t, btcutil.Amount(2500), assembler.EstimateFee(10))
}
