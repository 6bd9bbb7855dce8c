// Package pattern implements the pattern registry (C8): CRUD over
// financial-extraction regex patterns with strict validation (name shape,
// regex compilation, capture-group bounds, and a catastrophic-backtracking
// guard) before anything is persisted.
package pattern

import "time"

// DocumentKind is the closed set of document kinds a pattern can declare.
type DocumentKind string

const (
	DocInvoice              DocumentKind = "invoice"
	DocBill                 DocumentKind = "bill"
	DocReceipt              DocumentKind = "receipt"
	DocPaymentConfirmation  DocumentKind = "payment-confirmation"
	DocOther                DocumentKind = "other"
)

// Status is the closed set of extraction statuses a pattern declares for
// the records it produces.
type Status string

const (
	StatusPaid      Status = "paid"
	StatusPending   Status = "pending"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
)

// Pattern is a compiled-regex-backed extraction rule.
type Pattern struct {
	ID             string
	Name           string
	Regex          string
	DocumentKind   DocumentKind
	Status         Status
	BaseConfidence float64

	// Capture-group indices. AmountGroup is required (> 0); VendorGroup and
	// DateGroup are optional (0 means "not captured").
	AmountGroup int
	VendorGroup int
	DateGroup   int

	IsDefault     bool
	IsActive      bool
	MatchCount    int64
	LastMatchedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
