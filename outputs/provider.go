package outputs

import (
	"context"
	"fmt"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/decomposer"
	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

type Request struct {
	RoundID    chainhash.Hash
	Parameters types.RoundParameters
	Registered []*types.Alice
	// OthersEffectiveValues are the effective values of the inputs the
	// other participants registered.
	OthersEffectiveValues []btcutil.Amount
	AvailableVsize        int
	Policy                client.MixingPolicy
	LiquidityClue         btcutil.Amount
}

type OutputSet struct {
	Outputs  []*wire.TxOut
	Payments []types.BatchedPayment
}

// PaymentFor returns the payment paid by out, if any.
func (s *OutputSet) PaymentFor(out *wire.TxOut) (*types.PendingPayment, bool) {
	for _, p := range s.Payments {
		if p.TxOut == out {
			return p.Payment, true
		}
	}
	return nil, false
}

// Provider turns the registered value into the outputs to register: batched
// payments first, then standard denominations for the rest.
type Provider struct {
	destinations client.DestinationProvider
	random       utils.Random
}

func NewProvider(destinations client.DestinationProvider, random utils.Random) *Provider {
	return &Provider{destinations, random}
}

// GetOutputs returns the outputs to register. On error, the payments it
// already claimed are resolved as failed.
func (p *Provider) GetOutputs(ctx context.Context, req Request) (_ *OutputSet, err error) {
	params := req.Parameters
	feeRate := params.MiningFeeRate

	scriptTypes := p.outputScriptTypes(params)
	changeVsize := 0
	for _, scriptType := range scriptTypes {
		if vsize := types.OutputVsize(scriptType); vsize > changeVsize {
			changeVsize = vsize
		}
	}

	myValues := make([]btcutil.Amount, 0, len(req.Registered))
	for _, alice := range req.Registered {
		myValues = append(myValues, alice.EffectiveValue)
	}
	total := types.SumAmounts(myValues)
	available := total
	vsizeLeft := req.AvailableVsize

	set := &OutputSet{
		Outputs:  make([]*wire.TxOut, 0),
		Payments: make([]types.BatchedPayment, 0),
	}
	defer func() {
		if err == nil {
			return
		}
		for _, payment := range set.Payments {
			payment.Payment.Failed()
		}
	}()

	if req.Policy.BatchPayments {
		for _, payment := range p.eligiblePayments(ctx, params) {
			cost := payment.EffectiveCost(feeRate)
			vsize := types.OutputVsize(payment.ScriptType())
			if cost > available || vsize+changeVsize > vsizeLeft {
				continue
			}
			if !payment.Start(ctx) {
				continue
			}

			out := payment.TxOut()
			set.Outputs = append(set.Outputs, out)
			set.Payments = append(set.Payments, types.BatchedPayment{TxOut: out, Payment: payment})
			available -= cost
			vsizeLeft -= vsize
		}
	}

	mine := myValues
	if len(set.Payments) > 0 {
		mine = []btcutil.Amount{available}
	}
	amountDecomposer := decomposer.New(decomposer.Params{
		FeeRate:                feeRate,
		MinAllowedOutputAmount: params.MinReasonableOutputAmount(scriptTypes),
		MaxAllowedOutputAmount: params.AllowedOutputAmounts.Max,
		AvailableVsize:         vsizeLeft,
		AllowedOutputTypes:     scriptTypes,
		MinimumDenomination:    req.Policy.MinimumDenomination,
		AllowedDenominations:   req.Policy.AllowedDenominations,
		LiquidityClue:          req.LiquidityClue,
	}, p.random)
	decomposed := amountDecomposer.Decompose(mine, req.OthersEffectiveValues)

	privateEnough := true
	for _, alice := range req.Registered {
		if !alice.Coin.IsPrivate(req.Policy.AnonScoreTarget) {
			privateEnough = false
			break
		}
	}

	mixed := make([]decomposer.Output, 0, len(decomposed))
	nonMixed := make([]decomposer.Output, 0)
	for _, out := range decomposed {
		if decomposer.IsStandardDenomination(out.Amount) {
			mixed = append(mixed, out)
			continue
		}
		nonMixed = append(nonMixed, out)
	}

	mixedOuts, err := p.toTxOuts(ctx, mixed, true, privateEnough)
	if err != nil {
		return nil, err
	}
	nonMixedOuts, err := p.toTxOuts(ctx, nonMixed, false, privateEnough)
	if err != nil {
		return nil, err
	}
	privacyOuts := append(mixedOuts, nonMixedOuts...)

	// Destinations may be of a costlier script type than planned.
	cost := total - available
	for _, out := range privacyOuts {
		cost += outputCost(out, params)
	}
	for cost > total && len(privacyOuts) > 0 {
		smallest := 0
		for i, out := range privacyOuts {
			if out.Value < privacyOuts[smallest].Value {
				smallest = i
			}
		}
		cost -= outputCost(privacyOuts[smallest], params)
		privacyOuts = append(privacyOuts[:smallest], privacyOuts[smallest+1:]...)
	}

	set.Outputs = append(set.Outputs, privacyOuts...)
	return set, nil
}

func (p *Provider) eligiblePayments(
	ctx context.Context, params types.RoundParameters,
) []*types.PendingPayment {
	pending, err := p.destinations.GetPendingPayments(ctx, params)
	if err != nil {
		log.WithError(err).Warn("failed to get pending payments")
		return nil
	}

	eligible := make([]*types.PendingPayment, 0, len(pending))
	for _, payment := range pending {
		if payment.Resolved() ||
			!params.IsOutputTypeAllowed(payment.ScriptType()) ||
			!params.AllowedOutputAmounts.Contains(payment.Amount) {
			continue
		}
		eligible = append(eligible, payment)
	}
	p.random.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	return eligible
}

func (p *Provider) outputScriptTypes(params types.RoundParameters) []txscript.ScriptClass {
	supported := p.destinations.SupportedScriptTypes()
	scriptTypes := make([]txscript.ScriptClass, 0, len(supported))
	for _, scriptType := range supported {
		if params.IsOutputTypeAllowed(scriptType) {
			scriptTypes = append(scriptTypes, scriptType)
		}
	}
	return scriptTypes
}

func (p *Provider) toTxOuts(
	ctx context.Context, outputs []decomposer.Output, mixed, privateEnough bool,
) ([]*wire.TxOut, error) {
	if len(outputs) <= 0 {
		return nil, nil
	}

	destinations, err := p.destinations.GetNextDestinations(ctx, len(outputs), mixed, privateEnough)
	if err != nil {
		return nil, fmt.Errorf("failed to get destinations: %s", err)
	}
	if len(destinations) < len(outputs) {
		log.Warnf(
			"destination provider returned %d destinations, %d requested",
			len(destinations), len(outputs),
		)
	}

	txOuts := make([]*wire.TxOut, 0, len(outputs))
	for i := 0; i < len(outputs) && i < len(destinations); i++ {
		pkScript, err := txscript.PayToAddrScript(destinations[i])
		if err != nil {
			return nil, fmt.Errorf("invalid destination %s: %s", destinations[i], err)
		}
		txOuts = append(txOuts, wire.NewTxOut(int64(outputs[i].Amount), pkScript))
	}
	return txOuts, nil
}

func outputCost(out *wire.TxOut, params types.RoundParameters) btcutil.Amount {
	scriptType := txscript.GetScriptClass(out.PkScript)
	return btcutil.Amount(out.Value) + types.Fee(params.MiningFeeRate, types.OutputVsize(scriptType))
}
