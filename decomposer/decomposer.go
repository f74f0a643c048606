package decomposer

import (
	"sort"

	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const maxDecompositionAttempts = 128

type Params struct {
	FeeRate                chainfee.SatPerKVByte
	MinAllowedOutputAmount btcutil.Amount
	MaxAllowedOutputAmount btcutil.Amount
	// AvailableVsize is the vsize the registered inputs may spend on outputs.
	AvailableVsize       int
	AllowedOutputTypes   []txscript.ScriptClass
	MinimumDenomination  btcutil.Amount
	AllowedDenominations []btcutil.Amount
	// LiquidityClue, when set, breaks ties between equally good
	// decompositions in favour of outputs close to it.
	LiquidityClue btcutil.Amount
}

// AmountDecomposer packs an input value into standard denominations.
type AmountDecomposer struct {
	params           Params
	random           utils.Random
	changeScriptType txscript.ScriptClass
	denominations    []Output
}

func New(params Params, random utils.Random) *AmountDecomposer {
	d := &AmountDecomposer{
		params: params,
		random: random,
	}
	if len(params.AllowedOutputTypes) > 0 {
		d.changeScriptType = utils.RandomElement(random, params.AllowedOutputTypes)
		d.denominations = CreateDenominations(
			params.MinAllowedOutputAmount, params.MaxAllowedOutputAmount,
			params.FeeRate, params.AllowedOutputTypes,
			params.MinimumDenomination, params.AllowedDenominations, random,
		)
	}
	return d
}

func (d *AmountDecomposer) ChangeScriptType() txscript.ScriptClass {
	return d.changeScriptType
}

// Decompose splits the sum of myInputs, given as effective values, into
// outputs whose total effective cost never exceeds it. The effective values
// of the other participants' inputs steer the choice towards denominations
// the whole round can produce. The result is sorted by descending amount and
// is empty if not even a single output can be afforded.
func (d *AmountDecomposer) Decompose(myInputs, othersInputs []btcutil.Amount) []Output {
	if len(d.params.AllowedOutputTypes) <= 0 {
		return nil
	}

	total := types.SumAmounts(myInputs)
	changeVsize := types.OutputVsize(d.changeScriptType)
	changeFee := types.Fee(d.params.FeeRate, changeVsize)
	if d.params.AvailableVsize < changeVsize ||
		total < d.params.MinAllowedOutputAmount+changeFee {
		return nil
	}

	denominations := d.filterDenominations(total, myInputs, othersInputs)

	var (
		best     []Output
		bestLoss btcutil.Amount
	)
	for attempt := 0; attempt < maxDecompositionAttempts; attempt++ {
		outputs := d.pack(denominations, total, attempt)
		if len(outputs) <= 0 {
			continue
		}
		loss := total - totalCost(outputs)
		if best == nil || loss < bestLoss ||
			(loss == bestLoss && d.closerToClue(outputs, best)) {
			best, bestLoss = outputs, loss
		}
		if len(denominations) <= 0 {
			break
		}
	}

	sort.SliceStable(best, func(i, j int) bool {
		return best[i].Amount > best[j].Amount
	})
	return best
}

// pack fills the value greedily with denominations, largest first. Every
// attempt after the first starts from a random denomination and randomly
// moves on to smaller ones to explore other packings. The remainder becomes
// change whenever it is worth an output.
func (d *AmountDecomposer) pack(denominations []Output, total btcutil.Amount, attempt int) []Output {
	changeVsize := types.OutputVsize(d.changeScriptType)
	remaining := total
	vsizeLeft := d.params.AvailableVsize
	outputs := make([]Output, 0)

	start := 0
	if attempt > 0 && len(denominations) > 0 {
		start = d.random.IntN(len(denominations))
	}
	for i := start; i < len(denominations); i++ {
		denomination := denominations[i]
		vsize := types.OutputVsize(denomination.ScriptType)
		for denomination.EffectiveCost() <= remaining && vsizeLeft-vsize >= changeVsize {
			if attempt > 0 && d.random.IntN(4) == 0 {
				break
			}
			outputs = append(outputs, denomination)
			remaining -= denomination.EffectiveCost()
			vsizeLeft -= vsize
		}
	}

	return d.addChange(outputs, remaining, vsizeLeft)
}

func (d *AmountDecomposer) addChange(
	outputs []Output, remaining btcutil.Amount, vsizeLeft int,
) []Output {
	changeVsize := types.OutputVsize(d.changeScriptType)
	changeFee := types.Fee(d.params.FeeRate, changeVsize)

	for remaining >= d.params.MinAllowedOutputAmount+changeFee && vsizeLeft >= changeVsize {
		amount := remaining - changeFee
		if amount > d.params.MaxAllowedOutputAmount {
			amount = d.params.MaxAllowedOutputAmount
		}
		if amount < d.params.MinAllowedOutputAmount || amount <= 0 {
			break
		}
		change := NewOutput(amount, d.changeScriptType, d.params.FeeRate)
		outputs = append(outputs, change)
		remaining -= change.EffectiveCost()
		vsizeLeft -= changeVsize
	}
	return outputs
}

// filterDenominations keeps the affordable denominations that show up in the
// greedy breakdown of at least two inputs of the round.
func (d *AmountDecomposer) filterDenominations(
	total btcutil.Amount, myInputs, othersInputs []btcutil.Amount,
) []Output {
	affordable := make([]Output, 0, len(d.denominations))
	for _, denomination := range d.denominations {
		if denomination.EffectiveCost() <= total {
			affordable = append(affordable, denomination)
		}
	}
	if len(othersInputs) <= 0 {
		return affordable
	}

	frequencies := make(map[btcutil.Amount]int)
	inputs := append(append([]btcutil.Amount{}, myInputs...), othersInputs...)
	for _, value := range inputs {
		remaining := value
		for _, denomination := range affordable {
			used := false
			for denomination.EffectiveCost() <= remaining {
				remaining -= denomination.EffectiveCost()
				used = true
			}
			if used {
				frequencies[denomination.Amount]++
			}
		}
	}

	popular := make([]Output, 0, len(affordable))
	for _, denomination := range affordable {
		if frequencies[denomination.Amount] > 1 {
			popular = append(popular, denomination)
		}
	}
	if len(popular) <= 0 {
		return affordable
	}
	return popular
}

func (d *AmountDecomposer) closerToClue(candidate, current []Output) bool {
	clue := d.params.LiquidityClue
	if clue <= 0 {
		return false
	}
	return distance(medianAmount(candidate), clue) < distance(medianAmount(current), clue)
}

func totalCost(outputs []Output) btcutil.Amount {
	var sum btcutil.Amount
	for _, o := range outputs {
		sum += o.EffectiveCost()
	}
	return sum
}

func medianAmount(outputs []Output) btcutil.Amount {
	amounts := make([]btcutil.Amount, 0, len(outputs))
	for _, o := range outputs {
		amounts = append(amounts, o.Amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })
	return amounts[len(amounts)/2]
}

func distance(a, b btcutil.Amount) btcutil.Amount {
	if a > b {
		return a - b
	}
	return b - a
}
