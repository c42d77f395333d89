package venue

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/pkg/exception"
)

const (
	// WrappedSolMint is the quote side of every route.
	WrappedSolMint = "So11111111111111111111111111111111111111112"

	// PriceScaleFactor scales implied fill prices: quote lamports per
	// instrument base unit, times 1e6.
	PriceScaleFactor = 1_000_000

	defaultJupiterBase = "https://quote-api.jup.ag"
	defaultHTTPTimeout = 8 * time.Second
)

// JupiterConfig configures the live Solana venue.
type JupiterConfig struct {
	Base       string
	RPCURL     string
	PrivateKey string
	Commitment string
}

// Jupiter executes swaps through the Jupiter aggregator: quote, build, sign
// locally, submit via RPC. Settlement status comes from signature statuses.
type Jupiter struct {
	base     string
	rpc      *rpc.Client
	owner    solana.PrivateKey
	commit   rpc.CommitmentType
	http     *http.Client
	registry *schema.Registry

	fills *fillBook
}

// NewJupiter creates a live venue client.
func NewJupiter(cfg JupiterConfig, registry *schema.Registry) (*Jupiter, error) {
	if cfg.PrivateKey == "" {
		return nil, exception.ErrVenueMissingSigner
	}
	owner, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "parse wallet key")
	}
	base := cfg.Base
	if base == "" {
		base = defaultJupiterBase
	}
	commit := rpc.CommitmentConfirmed
	switch cfg.Commitment {
	case "processed":
		commit = rpc.CommitmentProcessed
	case "finalized":
		commit = rpc.CommitmentFinalized
	}
	return &Jupiter{
		base:     base,
		rpc:      rpc.New(cfg.RPCURL),
		owner:    owner,
		commit:   commit,
		http:     &http.Client{Timeout: defaultHTTPTimeout},
		registry: registry,
		fills:    newFillBook(),
	}, nil
}

type jupiterQuote struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	OtherAmount    string `json:"otherAmountThreshold"`
	SlippageBps    int    `json:"slippageBps"`
	RoutePlan      any    `json:"routePlan"`
	PriceImpactPct string `json:"priceImpactPct"`
}

// Submit quotes and executes the swap for a transaction. A transport failure
// after the signed transaction left the process is ambiguous: the signature
// is returned so the coordinator can reconcile.
func (j *Jupiter) Submit(ctx context.Context, tx Transaction, idempotencyKey string) (SubmitResult, error) {
	inst, ok := j.registry.Instrument(tx.InstrumentID)
	if !ok || inst.Mint == "" {
		return SubmitResult{Kind: SubmitRejected, Reason: "unknown mint"}, exception.ErrVenueUnknownMint
	}

	inputMint, outputMint := WrappedSolMint, inst.Mint
	if tx.Side == schema.OrderSideSell {
		inputMint, outputMint = inst.Mint, WrappedSolMint
	}

	quote, err := j.quote(ctx, inputMint, outputMint, tx, inst)
	if err != nil {
		// Nothing was signed or sent yet, so failing here is safe.
		return SubmitResult{Kind: SubmitRejected, Reason: err.Error()}, err
	}

	signed, sig, err := j.buildAndSign(ctx, quote)
	if err != nil {
		return SubmitResult{Kind: SubmitRejected, Reason: err.Error()}, err
	}

	price, perr := impliedPrice(tx.Side, quote)
	if perr != nil {
		logs.Errorf("implied price from quote, err: %+v", perr)
	}
	receipt := Receipt(sig.String())
	j.fills.put(receipt, QueryResult{Status: StatusPending, FillPrice: price, FillQty: tx.Qty})

	logs.Info("submit swap",
		"intent", string(tx.IntentID),
		"key", idempotencyKey,
		"signature", sig.String(),
	)

	if _, err := j.rpc.SendTransactionWithOpts(ctx, signed, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: j.commit,
	}); err != nil {
		// The transaction may have reached the cluster before the error;
		// only the chain can tell.
		return SubmitResult{Kind: SubmitAmbiguous, Receipt: receipt, Reason: err.Error()}, nil
	}
	return SubmitResult{Kind: SubmitAccepted, Receipt: receipt}, nil
}

// Query reports on-chain status for a submitted signature.
func (j *Jupiter) Query(ctx context.Context, receipt Receipt) (QueryResult, error) {
	pending, ok := j.fills.get(receipt)
	if !ok {
		return QueryResult{}, exception.ErrVenueUnknownReceipt
	}
	sig, err := solana.SignatureFromBase58(string(receipt))
	if err != nil {
		return QueryResult{}, errors.Wrap(err, "parse receipt signature")
	}

	statuses, err := j.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return QueryResult{}, errors.Wrap(err, "get signature statuses")
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return QueryResult{Status: StatusPending}, nil
	}
	status := statuses.Value[0]
	if status.Err != nil {
		return QueryResult{Status: StatusFailed, Reason: fmt.Sprintf("%v", status.Err)}, nil
	}
	if !finalEnough(status.ConfirmationStatus, j.commit) {
		return QueryResult{Status: StatusPending}, nil
	}
	pending.Status = StatusConfirmed
	return pending, nil
}

func (j *Jupiter) quote(ctx context.Context, inputMint, outputMint string, tx Transaction, inst schema.Instrument) (*jupiterQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", strconv.FormatInt(int64(tx.Qty), 10))
	q.Set("slippageBps", strconv.Itoa(tx.MaxSlippageBps))
	q.Set("onlyDirectRoutes", "false")
	u := j.base + "/v6/quote?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build quote request")
	}
	resp, err := j.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "quote "+inst.Symbol)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(exception.ErrVenueQuoteStatus, "status: %d", resp.StatusCode)
	}

	var out jupiterQuote
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode quote")
	}
	return &out, nil
}

func (j *Jupiter) buildAndSign(ctx context.Context, quote *jupiterQuote) (*solana.Transaction, solana.Signature, error) {
	payload := map[string]any{
		"userPublicKey":             j.owner.PublicKey().String(),
		"wrapAndUnwrapSol":          true,
		"asLegacyTransaction":       false,
		"prioritizationFeeLamports": 0,
		"quoteResponse":             quote,
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		return nil, solana.Signature{}, errors.Wrap(err, "marshal swap payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.base+"/v6/swap", bytes.NewReader(body))
	if err != nil {
		return nil, solana.Signature{}, errors.Wrap(err, "build swap request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := j.http.Do(req)
	if err != nil {
		return nil, solana.Signature{}, errors.Wrap(err, "swap request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, solana.Signature{}, errors.Wrapf(exception.ErrVenueSwapStatus, "status: %d", resp.StatusCode)
	}

	var sr struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, solana.Signature{}, errors.Wrap(err, "decode swap response")
	}

	raw, err := base64.StdEncoding.DecodeString(sr.SwapTransaction)
	if err != nil {
		return nil, solana.Signature{}, errors.Wrap(exception.ErrVenueDecodeTx, err.Error())
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, solana.Signature{}, errors.Wrap(exception.ErrVenueDecodeTx, err.Error())
	}

	sigs, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(j.owner.PublicKey()) {
			return &j.owner
		}
		return nil
	})
	if err != nil || len(sigs) == 0 {
		return nil, solana.Signature{}, exception.ErrVenueSignTx
	}
	return tx, sigs[0], nil
}

// impliedPrice derives quote-lamports-per-base-unit from the route amounts.
func impliedPrice(side schema.OrderSide, quote *jupiterQuote) (schema.Price, error) {
	in, err := strconv.ParseUint(quote.InAmount, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse inAmount")
	}
	out, err := strconv.ParseUint(quote.OutAmount, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse outAmount")
	}
	if in == 0 || out == 0 {
		return 0, errors.New("zero route amount")
	}
	if side == schema.OrderSideBuy {
		// in = lamports, out = token units
		return schema.Price(in * PriceScaleFactor / out), nil
	}
	// in = token units, out = lamports
	return schema.Price(out * PriceScaleFactor / in), nil
}

func finalEnough(status rpc.ConfirmationStatusType, commit rpc.CommitmentType) bool {
	switch commit {
	case rpc.CommitmentProcessed:
		return status == rpc.ConfirmationStatusProcessed ||
			status == rpc.ConfirmationStatusConfirmed ||
			status == rpc.ConfirmationStatusFinalized
	case rpc.CommitmentFinalized:
		return status == rpc.ConfirmationStatusFinalized
	default:
		return status == rpc.ConfirmationStatusConfirmed ||
			status == rpc.ConfirmationStatusFinalized
	}
}
