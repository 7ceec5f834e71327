package models

import "time"

// DefaultFreeUnits is granted to every user the first time the ledger sees them.
const DefaultFreeUnits = 1

// TokenBalance is the prepaid generation balance of one user.
type TokenBalance struct {
	FreeUnits    int `json:"freeTokens"`
	PremiumUnits int `json:"premiumToken"`
}

// DefaultBalance is the view shown before a session is authenticated.
func DefaultBalance() TokenBalance {
	return TokenBalance{FreeUnits: DefaultFreeUnits}
}

func (b TokenBalance) Total() int {
	return b.FreeUnits + b.PremiumUnits
}

// IsFreeUser reports whether the user has never bought premium units
// (or has spent all of them).
func (b TokenBalance) IsFreeUser() bool {
	return b.PremiumUnits == 0
}

// Withdraw returns the balance after taking units, free units first.
// ok is false when the balance does not cover units.
func (b TokenBalance) Withdraw(units int) (TokenBalance, bool) {
	if units < 0 || b.Total() < units {
		return b, false
	}
	fromFree := units
	if fromFree > b.FreeUnits {
		fromFree = b.FreeUnits
	}
	return TokenBalance{
		FreeUnits:    b.FreeUnits - fromFree,
		PremiumUnits: b.PremiumUnits - (units - fromFree),
	}, true
}

type TaskStatus string

const (
	TaskSubmitting TaskStatus = "submitting"
	TaskPolling    TaskStatus = "polling"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTimedOut   TaskStatus = "timed_out"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut:
		return true
	default:
		return false
	}
}

// GenerationTask is the in-memory state of one presentation job.
type GenerationTask struct {
	ID              string
	Prompt          string
	Status          TaskStatus
	Progress        int
	PollCount       int
	TransientErrors int
	Settled         bool
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// JobState is the generator's own view of a job.
type JobState string

const (
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// JobStatus is one decoded status response.
type JobStatus struct {
	State       JobState
	Progress    *int
	SlideCount  int
	Title       string
	Error       string
	EmbedURL    string
	DownloadURL string
}

// Artifact describes a finished presentation. Fetching it is someone else's job.
type Artifact struct {
	SlideCount  int
	Title       string
	EmbedURL    string
	DownloadURL string
}

// Entitlement is the purchase provider's view of the user.
type Entitlement struct {
	IsPro           bool
	ActiveProductID string
	CreditableUnits int
	RefreshedAt     time.Time
}

// Product is catalogue metadata served by the purchase provider.
type Product struct {
	ID          string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price_string,omitempty"`
}

// CustomerInfo is the provider's snapshot of a user's purchases.
type CustomerInfo struct {
	UserID              string
	ActiveEntitlements  []string
	ActiveSubscriptions []string
	OwnedProducts       []string
}

// PurchaseReceipt is returned by the provider for a completed purchase.
type PurchaseReceipt struct {
	TransactionID string
	ProductID     string
	PurchasedAt   time.Time
}

type PendingCredit struct {
	ID         int64
	UserID     string
	PurchaseID string
	ProductID  string
	Tokens     int
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type GenerationLog struct {
	ID         int64
	UserID     string
	TaskID     string
	Prompt     string
	Title      string
	SlideCount int
	CreatedAt  time.Time
}

type ReceiptKind string

const (
	ReceiptDebit  ReceiptKind = "debit"
	ReceiptCredit ReceiptKind = "credit"
)

// LedgerReceipt is an archived record of one successful balance mutation.
type LedgerReceipt struct {
	Kind       ReceiptKind  `json:"kind"`
	UserID     string       `json:"userId"`
	Units      int          `json:"units"`
	PurchaseID string       `json:"purchaseId,omitempty"`
	Balance    TokenBalance `json:"balance"`
	At         time.Time    `json:"at"`
}
