// Package pricing provides the HTTP handlers for pricing single contracts
// and running, storing and querying priced batches.
package pricing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/black76-engine/internal/batch"
	"github.com/atmx/black76-engine/internal/black76"
	"github.com/atmx/black76-engine/internal/exposure"
	"github.com/atmx/black76-engine/internal/forward"
	"github.com/atmx/black76-engine/internal/greeks"
	"github.com/atmx/black76-engine/internal/metrics"
	"github.com/atmx/black76-engine/internal/model"
	"github.com/atmx/black76-engine/internal/publish"
	"github.com/atmx/black76-engine/internal/store"
)

// maxBodyBytes caps request bodies; a batch of ~100k records fits.
const maxBodyBytes = 64 << 20

// Service serves the pricing API.
type Service struct {
	store     store.Store
	runner    *batch.Runner
	limiter   *exposure.Limiter
	publisher publish.Publisher
	wsHub     *WSHub // optional WebSocket hub for batch notifications
	logger    *slog.Logger
}

// NewService creates a pricing service. A nil publisher disables
// publishing; pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, runner *batch.Runner, limiter *exposure.Limiter, pub publish.Publisher, hub *WSHub) *Service {
	if pub == nil {
		pub = publish.Nop{}
	}
	if limiter == nil {
		limiter = &exposure.Limiter{}
	}
	logger := runner.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		runner:    runner,
		limiter:   limiter,
		publisher: pub,
		wsHub:     hub,
		logger:    logger,
	}
}

// Routes mounts the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/price", s.PriceOption)
	r.Post("/forward", s.SolveForward)
	r.Post("/greeks", s.ComputeGreeks)
	r.Post("/batches", s.CreateBatch)
	r.Get("/batches", s.ListBatches)
	r.Get("/batches/{batchID}", s.GetBatch)
	r.Get("/batches/{batchID}/records", s.GetBatchRecords)
	r.Get("/batches/{batchID}/exposure", s.GetExposure)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// PriceRequest is the JSON body for POST /price.
type PriceRequest struct {
	Forward        float64 `json:"forward"`
	Strike         float64 `json:"strike"`
	RiskFreeRate   float64 `json:"risk_free_rate"`
	TimeToMaturity float64 `json:"time_to_maturity"` // years
	IV             float64 `json:"iv"`
	Type           string  `json:"type"` // "Call" or "Put"
}

func (p PriceRequest) params() black76.Params {
	return black76.Params{
		Forward:  p.Forward,
		Strike:   p.Strike,
		Rate:     p.RiskFreeRate,
		Maturity: p.TimeToMaturity,
		Vol:      p.IV,
		Type:     black76.OptionType(p.Type),
	}
}

// PriceResponse is the JSON body returned from POST /price.
type PriceResponse struct {
	Premium  float64 `json:"premium"`
	Discount float64 `json:"discount_factor"`
}

// ForwardRequest is the JSON body for POST /forward.
type ForwardRequest struct {
	Premium        float64 `json:"premium"`
	Strike         float64 `json:"strike"`
	RiskFreeRate   float64 `json:"risk_free_rate"`
	TimeToMaturity float64 `json:"time_to_maturity"`
	IV             float64 `json:"iv"`
	Type           string  `json:"type"`
}

// ForwardResponse is the JSON body returned from POST /forward.
type ForwardResponse struct {
	ForwardPrice float64 `json:"forward_price"`
	Iterations   int     `json:"iterations"`
	Residual     float64 `json:"residual"`
}

// GreeksRequest is the JSON body for POST /greeks.
type GreeksRequest struct {
	PriceRequest
	ContractSize float64 `json:"contract_size"`
	Action       string  `json:"action"` // "Bought" or "Sold"
}

// CreateBatchRequest is the JSON body for POST /batches.
type CreateBatchRequest struct {
	Records []model.TradeRecord `json:"records"`
}

// BatchResponse is the JSON body returned from POST /batches.
type BatchResponse struct {
	Batch    model.Batch          `json:"batch"`
	Records  []model.PricedRecord `json:"records"`
	Breaches []exposure.Breach    `json:"breaches,omitempty"`
}

// ExposureResponse is the JSON body returned from GET /batches/{batchID}/exposure.
type ExposureResponse struct {
	BatchID  string            `json:"batch_id"`
	Exposure exposure.Report   `json:"exposure"`
	Breaches []exposure.Breach `json:"breaches"`
}

// --- HTTP Handlers ---

// PriceOption handles POST /api/v1/price
func (s *Service) PriceOption(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}

	p := req.params()
	premium, err := black76.Price(p)
	if err != nil {
		writePricingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		Premium:  premium,
		Discount: black76.Discount(p.Rate, p.Maturity),
	})
}

// SolveForward handles POST /api/v1/forward
func (s *Service) SolveForward(w http.ResponseWriter, r *http.Request) {
	var req ForwardRequest
	if !decode(w, r, &req) {
		return
	}

	solver := s.runner.Solver
	if solver == nil {
		solver = forward.DefaultSolver()
	}
	sol, err := solver.Solve(r.Context(), forward.Quote{
		Premium:  req.Premium,
		Strike:   req.Strike,
		Rate:     req.RiskFreeRate,
		Maturity: req.TimeToMaturity,
		Vol:      req.IV,
		Type:     black76.OptionType(req.Type),
	})
	if err != nil {
		writePricingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ForwardResponse{
		ForwardPrice: sol.Forward,
		Iterations:   sol.Iterations,
		Residual:     sol.Residual,
	})
}

// ComputeGreeks handles POST /api/v1/greeks
func (s *Service) ComputeGreeks(w http.ResponseWriter, r *http.Request) {
	var req GreeksRequest
	if !decode(w, r, &req) {
		return
	}

	g, err := greeks.Compute(greeks.Position{
		Params:       req.params(),
		ContractSize: req.ContractSize,
		Action:       greeks.Action(req.Action),
	})
	if err != nil {
		writePricingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// CreateBatch handles POST /api/v1/batches
// Prices every record, persists the batch, then publishes and broadcasts it.
// Per-record failures are part of a successful response.
func (s *Service) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	rep, err := s.runner.Price(ctx, req.Records)
	if err != nil {
		if errors.Is(err, batch.ErrDuplicateID) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("batch pricing failed", "err", err)
		writeError(w, "failed to price batch", http.StatusInternalServerError)
		return
	}

	b := rep.Batch(time.Now().UTC())
	if err := s.store.SaveBatch(ctx, &b, rep.Records); err != nil {
		s.logger.Error("batch save failed", "batch_id", b.ID, "err", err)
		writeError(w, "failed to store batch", http.StatusInternalServerError)
		return
	}

	risk := exposure.Aggregate(rep.Records)
	breaches := s.limiter.Breaches(risk)
	if len(breaches) > 0 {
		metrics.DeltaLimitBreaches.Inc()
		s.logger.Warn("batch breaches delta limits",
			"batch_id", b.ID,
			"breaches", len(breaches),
			"err", s.limiter.Check(risk),
		)
	}

	// The batch is stored; a broker outage must not fail the request.
	if err := s.publisher.Publish(ctx, &b, rep.Records); err != nil {
		s.logger.Error("batch publish failed", "batch_id", b.ID, "err", err)
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "batch_completed",
			BatchID:     b.ID,
			Status:      b.Status,
			Total:       b.Total,
			Failed:      b.Failed,
			FailedKinds: b.FailedKinds,
			Breaches:    len(breaches),
		})
	}

	writeJSON(w, http.StatusCreated, BatchResponse{
		Batch:    b,
		Records:  rep.Records,
		Breaches: breaches,
	})
}

// ListBatches handles GET /api/v1/batches
func (s *Service) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.store.ListBatches(r.Context())
	if err != nil {
		writeError(w, "failed to list batches", http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []model.Batch{}
	}

	// Optional filter by ?status=completed|partial.
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Batch{}
		for _, b := range batches {
			if b.Status == status {
				filtered = append(filtered, b)
			}
		}
		batches = filtered
	}
	writeJSON(w, http.StatusOK, batches)
}

// GetBatch handles GET /api/v1/batches/{batchID}
func (s *Service) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetBatchRecords handles GET /api/v1/batches/{batchID}/records
// ?failed=true returns only failed records, ?failed=false only priced ones.
func (s *Service) GetBatchRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.GetBatchRecords(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []model.PricedRecord{}
	}

	if q := r.URL.Query().Get("failed"); q != "" {
		want, err := strconv.ParseBool(q)
		if err != nil {
			writeError(w, "failed must be true or false", http.StatusBadRequest)
			return
		}
		filtered := []model.PricedRecord{}
		for _, rec := range records {
			if rec.Failed() == want {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, records)
}

// GetExposure handles GET /api/v1/batches/{batchID}/exposure
// Returns net Greeks per underlying and expiry with any limit breaches.
func (s *Service) GetExposure(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	records, err := s.store.GetBatchRecords(r.Context(), batchID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	rep := exposure.Aggregate(records)
	breaches := s.limiter.Breaches(rep)
	if breaches == nil {
		breaches = []exposure.Breach{}
	}
	writeJSON(w, http.StatusOK, ExposureResponse{
		BatchID:  batchID,
		Exposure: rep,
		Breaches: breaches,
	})
}

// decode reads a JSON request body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "status", status, "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writePricingError reports a pricing core failure with its kind.
func writePricingError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
		"error": err.Error(),
		"kind":  string(batch.Classify(err)),
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "batch not found", http.StatusNotFound)
		return
	}
	writeError(w, "failed to load batch", http.StatusInternalServerError)
}
