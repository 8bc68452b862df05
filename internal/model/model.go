// Package model defines the core domain types shared across the pricing
// engine: trade records as handed over by ingestion, the priced records
// produced by the batch pipeline, and batch metadata.
//
// Records are plain values. No stage mutates a record in place; each stage
// derives new records that are joined back by UniqueID.
package model

import (
	"time"
)

// TradeRecord is one option trade awaiting pricing. Type and Action hold the
// raw strings produced by ingestion; they are validated by the pricing core
// inside the record's own unit of work.
type TradeRecord struct {
	UniqueID       string    `json:"unique_id" csv:"unique_id" db:"unique_id"`
	MessageID      int64     `json:"message_id,omitempty" csv:"message_id" db:"message_id"`
	Date           time.Time `json:"date" csv:"date" db:"date"`
	ContractName   string    `json:"contract_name,omitempty" csv:"contract_name" db:"contract_name"` // e.g. BTC-27DEC24-60000-C
	Strike         float64   `json:"strike" csv:"strike" db:"strike"`
	RiskFreeRate   float64   `json:"risk_free_rate" csv:"risk_free_rate" db:"risk_free_rate"`
	TimeToMaturity float64   `json:"time_to_maturity" csv:"time_to_maturity" db:"time_to_maturity"` // years
	IV             float64   `json:"iv" csv:"iv" db:"iv"`                                            // annualised, fraction
	Type           string    `json:"type" csv:"type" db:"type"`                                      // "Call" or "Put"
	Premium        float64   `json:"premium" csv:"premium" db:"premium"`
	ContractSize   float64   `json:"contract_size" csv:"contract_size" db:"contract_size"`
	Action         string    `json:"action" csv:"action" db:"action"` // "Bought" or "Sold"
}

// PricedRecord is a TradeRecord augmented with the outputs of the forward
// solve and Greeks stages. A nil pointer means the value is unavailable;
// ErrorKind then says why.
type PricedRecord struct {
	TradeRecord
	ForwardPrice *float64 `json:"forward_price" csv:"forward_price" db:"forward_price"`
	Delta        *float64 `json:"delta" csv:"delta" db:"delta"`
	Gamma        *float64 `json:"gamma" csv:"gamma" db:"gamma"`
	Vega         *float64 `json:"vega" csv:"vega" db:"vega"`
	Theta        *float64 `json:"theta" csv:"theta" db:"theta"` // per day
	ErrorKind    string   `json:"error_kind,omitempty" csv:"error_kind" db:"error_kind"`
	Error        string   `json:"error,omitempty" csv:"error" db:"error"`
}

// Failed reports whether any stage failed for this record.
func (r PricedRecord) Failed() bool {
	return r.ErrorKind != ""
}

// HasGreeks reports whether all four sensitivities are available.
func (r PricedRecord) HasGreeks() bool {
	return r.Delta != nil && r.Gamma != nil && r.Vega != nil && r.Theta != nil
}

// Batch status values.
const (
	BatchCompleted = "completed"
	BatchPartial   = "partial" // completed with at least one failed record
)

// Batch is the summary of one pricing run.
type Batch struct {
	ID          string         `json:"id" db:"id"`
	Status      string         `json:"status" db:"status"`
	Total       int            `json:"total" db:"total"`
	Failed      int            `json:"failed" db:"failed"`
	FailedKinds map[string]int `json:"failed_kinds,omitempty" db:"-"`
	DurationMS  int64          `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}
