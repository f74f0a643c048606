package decomposer

import (
	"sort"

	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// minAllowedOutputAmount and maxAllowedOutputAmount bound the standard
	// denominations every participant recognizes.
	minAllowedOutputAmount = btcutil.Amount(5_000)
	maxAllowedOutputAmount = btcutil.Amount(43_000 * btcutil.SatoshiPerBitcoin)
)

// series lists every multiplier/base pair the denominations are built from.
// Powers are in satoshis: 1x2^n yields 16384, 32768, ...
var series = []struct {
	multiplier int64
	base       int64
}{
	{1, 2},
	{1, 3}, {2, 3},
	{1, 10}, {2, 10}, {5, 10},
}

var standardDenominations = func() map[btcutil.Amount]struct{} {
	set := make(map[btcutil.Amount]struct{})
	for _, amount := range denominationAmounts(minAllowedOutputAmount, maxAllowedOutputAmount) {
		set[amount] = struct{}{}
	}
	return set
}()

// Output is an output amount of a given script type, together with the fee
// of creating it at the round fee rate.
type Output struct {
	Amount     btcutil.Amount
	ScriptType txscript.ScriptClass
	Fee        btcutil.Amount
}

func NewOutput(
	amount btcutil.Amount, scriptType txscript.ScriptClass, feeRate chainfee.SatPerKVByte,
) Output {
	return Output{
		Amount:     amount,
		ScriptType: scriptType,
		Fee:        types.Fee(feeRate, types.OutputVsize(scriptType)),
	}
}

// EffectiveCost is what the output takes from the inputs.
func (o Output) EffectiveCost() btcutil.Amount {
	return o.Amount + o.Fee
}

// EffectiveAmount is the value the output keeps once its own fee is paid.
func (o Output) EffectiveAmount() btcutil.Amount {
	return o.Amount - o.Fee
}

// IsStandardDenomination reports whether amount belongs to the network wide
// set of denominations.
func IsStandardDenomination(amount btcutil.Amount) bool {
	_, ok := standardDenominations[amount]
	return ok
}

// CreateDenominations returns the denominations in [max(minAllowed,
// minimumDenomination), maxAllowed], each bound to a random allowed script
// type, optionally restricted to allowedDenominations, in strictly
// descending order of effective amount.
func CreateDenominations(
	minAllowed, maxAllowed btcutil.Amount,
	feeRate chainfee.SatPerKVByte,
	allowedOutputTypes []txscript.ScriptClass,
	minimumDenomination btcutil.Amount,
	allowedDenominations []btcutil.Amount,
	random utils.Random,
) []Output {
	if len(allowedOutputTypes) <= 0 {
		return nil
	}

	lowest := minAllowed
	if minimumDenomination > lowest {
		lowest = minimumDenomination
	}

	var allowList map[btcutil.Amount]struct{}
	if len(allowedDenominations) > 0 {
		allowList = make(map[btcutil.Amount]struct{}, len(allowedDenominations))
		for _, amount := range allowedDenominations {
			allowList[amount] = struct{}{}
		}
	}

	denominations := make([]Output, 0)
	for _, amount := range denominationAmounts(lowest, maxAllowed) {
		if allowList != nil {
			if _, ok := allowList[amount]; !ok {
				continue
			}
		}
		scriptType := utils.RandomElement(random, allowedOutputTypes)
		denominations = append(denominations, NewOutput(amount, scriptType, feeRate))
	}

	sort.SliceStable(denominations, func(i, j int) bool {
		a, b := denominations[i], denominations[j]
		if a.EffectiveAmount() != b.EffectiveAmount() {
			return a.EffectiveAmount() > b.EffectiveAmount()
		}
		return a.Amount > b.Amount
	})

	unique := denominations[:0]
	for _, d := range denominations {
		if len(unique) > 0 && unique[len(unique)-1].EffectiveAmount() == d.EffectiveAmount() {
			continue
		}
		unique = append(unique, d)
	}
	return unique
}

// denominationAmounts returns the distinct amounts of every series within
// [minimum, maximum], in no particular order.
func denominationAmounts(minimum, maximum btcutil.Amount) []btcutil.Amount {
	seen := make(map[btcutil.Amount]struct{})
	amounts := make([]btcutil.Amount, 0)
	for _, s := range series {
		for power := int64(1); ; power *= s.base {
			amount := btcutil.Amount(s.multiplier * power)
			if amount > maximum {
				break
			}
			if amount < minimum {
				continue
			}
			if _, ok := seen[amount]; ok {
				continue
			}
			seen[amount] = struct{}{}
			amounts = append(amounts, amount)
		}
	}
	return amounts
}
