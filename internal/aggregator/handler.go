// Package aggregator serves the REST-style pool surface that external
// aggregators poll: indicative rates answered from the rate cache with
// linear scaling, and signed firm calldata on demand. Cache misses
// return a JSON null body, which aggregator clients treat as
// "no liquidity right now".
package aggregator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"deluthium-bridge/internal/ratecache"
	"deluthium-bridge/internal/signer"
	"deluthium-bridge/internal/splitrouter"
	"deluthium-bridge/internal/upstream"
	"deluthium-bridge/pkg/types"
)

// FirmSource is the slice of the upstream client the handler uses.
type FirmSource interface {
	FirmQuote(ctx context.Context, req upstream.FirmRequest) (*types.FirmQuote, error)
}

// Handler serves the aggregator pool endpoints.
type Handler struct {
	cache   *ratecache.Cache
	firm    FirmSource
	signer  signer.Signer
	split   *splitrouter.Router // nil disables the split endpoint
	chainID int64
	logger  *slog.Logger
}

// New creates the aggregator handler. split may be nil.
func New(cache *ratecache.Cache, firm FirmSource, s signer.Signer, split *splitrouter.Router, chainID int64, logger *slog.Logger) *Handler {
	return &Handler{
		cache:   cache,
		firm:    firm,
		signer:  s,
		split:   split,
		chainID: chainID,
		logger:  logger.With("component", "aggregator"),
	}
}

// Register mounts the routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/aggregator/rates", h.handleRates).Methods(http.MethodGet)
	r.HandleFunc("/aggregator/firm", h.handleFirm).Methods(http.MethodPost)
	if h.split != nil {
		r.HandleFunc("/aggregator/split", h.handleSplit).Methods(http.MethodPost)
	}
}

// rateResponse is the polled-rate answer.
type rateResponse struct {
	SrcToken  string `json:"src_token"`
	DstToken  string `json:"dst_token"`
	SrcAmount string `json:"src_amount"`
	DstAmount string `json:"dst_amount"`
	Price     string `json:"price"`
	CachedAt  int64  `json:"cached_at"`
}

func (h *Handler) handleRates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src := q.Get("src")
	dst := q.Get("dst")
	amount, ok := new(big.Int).SetString(q.Get("amount"), 10)
	if src == "" || dst == "" || !ok || amount.Sign() <= 0 {
		http.Error(w, `{"error":"src, dst and a positive amount are required"}`, http.StatusBadRequest)
		return
	}

	resp := h.cache.GetRate(ratecache.RateRequest{
		SrcToken:  src,
		DstToken:  dst,
		SrcAmount: amount,
	})

	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.Write([]byte("null"))
		return
	}
	json.NewEncoder(w).Encode(rateResponse{
		SrcToken:  resp.SrcToken,
		DstToken:  resp.DstToken,
		SrcAmount: resp.SrcAmount.String(),
		DstAmount: resp.DstAmount.String(),
		Price:     resp.Price.Price.String(),
		CachedAt:  resp.CachedAt.UnixMilli(),
	})
}

// firmRequest asks for signed settlement calldata.
type firmRequest struct {
	SrcToken string `json:"src_token"`
	DstToken string `json:"dst_token"`
	Amount   string `json:"amount"`
	FromAddr string `json:"from_addr"`
	ToAddr   string `json:"to_addr"`
	Slippage string `json:"slippage,omitempty"`
}

// firmResponse carries the upstream payload plus our signature.
type firmResponse struct {
	QuoteID    string `json:"quote_id"`
	AmountIn   string `json:"amount_in"`
	AmountOut  string `json:"amount_out"`
	RouterAddr string `json:"router_addr"`
	Calldata   string `json:"calldata"`
	Deadline   int64  `json:"deadline"`
	Signature  string `json:"signature"`
}

func (h *Handler) handleFirm(w http.ResponseWriter, r *http.Request) {
	var req firmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 || req.SrcToken == "" || req.DstToken == "" {
		http.Error(w, `{"error":"src_token, dst_token and a positive amount are required"}`, http.StatusBadRequest)
		return
	}
	slippage := decimal.NewFromFloat(0.5)
	if req.Slippage != "" {
		if s, err := decimal.NewFromString(req.Slippage); err == nil {
			slippage = s
		}
	}

	firm, err := h.firm.FirmQuote(r.Context(), upstream.FirmRequest{
		FromAddr:   req.FromAddr,
		ToAddr:     req.ToAddr,
		SrcChainID: h.chainID,
		DstChainID: h.chainID,
		TokenIn:    req.SrcToken,
		TokenOut:   req.DstToken,
		AmountIn:   amount,
		Slippage:   slippage,
		ExpirySec:  60,
	})
	if err != nil {
		h.logger.Warn("firm quote failed", "error", err)
		status := http.StatusBadGateway
		if types.IsKind(err, types.ErrValidation) {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	payload := firm.QuoteID + "|" + firm.Calldata + "|" + firm.Deadline.UTC().Format(time.RFC3339)
	sig, err := h.signer.SignMessage(r.Context(), []byte(payload))
	if err != nil {
		h.logger.Error("calldata signing failed", "quote_id", firm.QuoteID, "error", err)
		http.Error(w, `{"error":"signing unavailable"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(firmResponse{
		QuoteID:    firm.QuoteID,
		AmountIn:   firm.AmountIn.String(),
		AmountOut:  firm.AmountOut.String(),
		RouterAddr: firm.RouterAddr,
		Calldata:   firm.Calldata,
		Deadline:   firm.Deadline.Unix(),
		Signature:  "0x" + hex.EncodeToString(sig),
	})
}

// splitRequest asks the optimiser for an allocation, optionally
// carrying it to market.
type splitRequest struct {
	SrcToken string `json:"src_token"`
	DstToken string `json:"dst_token"`
	Amount   string `json:"amount"`
	Execute  bool   `json:"execute,omitempty"`
}

// splitAllocation is one leg of the returned plan.
type splitAllocation struct {
	Venue       string `json:"venue"`
	AmountIn    string `json:"amount_in"`
	ExpectedOut string `json:"expected_out"`
}

// splitLeg reports one executed leg.
type splitLeg struct {
	Venue       string `json:"venue"`
	ActualOut   string `json:"actual_out,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	SlippageBps string `json:"slippage_bps,omitempty"`
	Error       string `json:"error,omitempty"`
}

// splitResponse is the optimiser's answer.
type splitResponse struct {
	Fraction        string            `json:"fraction"`
	ExpectedOut     string            `json:"expected_out"`
	ImprovementBps  string            `json:"improvement_bps"`
	SplitBeneficial bool              `json:"split_beneficial"`
	Allocations     []splitAllocation `json:"allocations"`
	Executed        []splitLeg        `json:"executed,omitempty"`
}

func (h *Handler) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 || req.SrcToken == "" || req.DstToken == "" {
		http.Error(w, `{"error":"src_token, dst_token and a positive amount are required"}`, http.StatusBadRequest)
		return
	}

	plan, err := h.split.Optimize(r.Context(), req.SrcToken, req.DstToken, amount)
	if err != nil {
		h.logger.Warn("split optimize failed", "error", err)
		status := http.StatusBadGateway
		if types.IsKind(err, types.ErrValidation) {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	resp := splitResponse{
		Fraction:        plan.Fraction.String(),
		ExpectedOut:     plan.ExpectedOut.String(),
		ImprovementBps:  plan.ImprovementBps.String(),
		SplitBeneficial: plan.SplitBeneficial,
	}
	for _, a := range plan.Allocations {
		resp.Allocations = append(resp.Allocations, splitAllocation{
			Venue:       a.Venue,
			AmountIn:    a.AmountIn.String(),
			ExpectedOut: a.ExpectedOut.String(),
		})
	}

	if req.Execute {
		report := h.split.Execute(r.Context(), plan)
		for _, leg := range report.Legs {
			out := splitLeg{Venue: leg.Venue}
			if leg.Err != nil {
				out.Error = leg.Err.Error()
			} else {
				out.ActualOut = leg.ActualOut.String()
				out.TxHash = leg.TxHash
				out.SlippageBps = leg.SlippageBps.String()
			}
			resp.Executed = append(resp.Executed, out)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
