// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"fmt"
	"time"
)

// PaymentEvent is an inbound payment event submitted for fraud screening.
type PaymentEvent struct {
	// Core payment info
	UserID        string    `json:"userId"`
	TransactionID string    `json:"transactionId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`
	PaymentMethod string    `json:"paymentMethod"`
	Status        string    `json:"status"`

	// Merchant / product info
	MerchantID      string   `json:"merchantId,omitempty"`
	ProductCategory string   `json:"productCategory,omitempty"`
	ProductIDs      []string `json:"productIds,omitempty"`

	// User behavior context
	SessionID  string        `json:"sessionId,omitempty"`
	DeviceInfo *DeviceInfo   `json:"deviceInfo,omitempty"`
	Location   *LocationInfo `json:"locationInfo,omitempty"`

	// Risk indicators
	IsFirstTimeUser bool `json:"isFirstTimeUser,omitempty"`
	AccountAgeDays  int  `json:"accountAgeDays,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// DeviceInfo describes the device a payment originated from.
type DeviceInfo struct {
	DeviceID         string `json:"deviceId,omitempty"`
	DeviceType       string `json:"deviceType,omitempty"` // mobile, desktop, tablet
	OS               string `json:"os,omitempty"`
	Browser          string `json:"browser,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`
	ScreenResolution string `json:"screenResolution,omitempty"`
}

// LocationInfo describes where a payment originated from.
type LocationInfo struct {
	IPAddress string  `json:"ipAddress"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
}

// Payment status values.
const (
	StatusInitiated  = "initiated"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusRefunded   = "refunded"
)

// Payment method values.
const (
	MethodCreditCard    = "credit_card"
	MethodDebitCard     = "debit_card"
	MethodBankTransfer  = "bank_transfer"
	MethodDigitalWallet = "digital_wallet"
	MethodCrypto        = "cryptocurrency"
	MethodBNPL          = "bnpl"
)

// MaxEventAmount is the largest amount accepted at the ingest boundary.
const MaxEventAmount = 1_000_000.0

var validStatuses = map[string]bool{
	StatusInitiated:  true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusCancelled:  true,
	StatusFailed:     true,
	StatusRefunded:   true,
}

// Validate checks the event against the ingest contract.
func (e *PaymentEvent) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if e.TransactionID == "" {
		return fmt.Errorf("transactionId is required")
	}
	if e.Amount <= 0 || e.Amount > MaxEventAmount {
		return fmt.Errorf("amount must be in (0, %.0f], got %f", MaxEventAmount, e.Amount)
	}
	if len(e.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", e.Currency)
	}
	if e.Status != "" && !validStatuses[e.Status] {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	return nil
}

// Summary converts the event to a transaction log entry.
func (e *PaymentEvent) Summary() *TransactionSummary {
	return &TransactionSummary{
		TransactionID: e.TransactionID,
		Amount:        e.Amount,
		Currency:      e.Currency,
		PaymentMethod: e.PaymentMethod,
		MerchantID:    e.MerchantID,
		Status:        e.Status,
		RecordedAt:    time.Now().UTC(),
	}
}
