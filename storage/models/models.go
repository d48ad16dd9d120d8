// Package models defines the relational entities behind the chat payments
// service. Migrations are additive: AutoMigrate only ever adds missing
// tables and columns.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Transaction types.
const (
	TxTypeSend    = "SEND"
	TxTypeSplit   = "SPLIT"
	TxTypeFund    = "FUND"
	TxTypeTicket  = "TICKET"
	TxTypeReceive = "RECEIVE"
)

// Transaction statuses. FAILED is terminal.
const (
	TxStatusPending   = "PENDING"
	TxStatusConfirmed = "CONFIRMED"
	TxStatusFailed    = "FAILED"
)

// SplitBill statuses.
const (
	SplitStatusPending   = "PENDING"
	SplitStatusCompleted = "COMPLETED"
	SplitStatusCancelled = "CANCELLED"
)

// CommitmentStatus represents the escrow pool lifecycle. ACTIVE is entered at
// creation; the other states are terminal.
type CommitmentStatus string

const (
	CommitmentActive    CommitmentStatus = "ACTIVE"
	CommitmentCompleted CommitmentStatus = "COMPLETED"
	CommitmentCanceled  CommitmentStatus = "CANCELED"
	CommitmentExpired   CommitmentStatus = "EXPIRED"
)

// ParticipantStatus represents a participant's position within a commitment.
// RELEASED, REFUNDED, and MISSED are terminal.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "INVITED"
	ParticipantLocked   ParticipantStatus = "LOCKED"
	ParticipantReleased ParticipantStatus = "RELEASED"
	ParticipantRefunded ParticipantStatus = "REFUNDED"
	ParticipantMissed   ParticipantStatus = "MISSED"
)

// User maps a messaging identity to its custodial ledger account. The private
// key blob is encrypted at rest and never logged.
type User struct {
	ID            uint   `gorm:"primaryKey"`
	Phone         string `gorm:"uniqueIndex;size:20"`
	WalletAddress string `gorm:"uniqueIndex;size:64"`
	EncryptedKey  []byte `gorm:"not null"`
	DisplayName   string `gorm:"size:128"`
	CreatedAt     time.Time
}

// Contact is a per-owner nickname for another phone number.
type Contact struct {
	ID           uint   `gorm:"primaryKey"`
	OwnerPhone   string `gorm:"size:20;index;uniqueIndex:idx_contact_owner_nick"`
	Nickname     string `gorm:"size:64;uniqueIndex:idx_contact_owner_nick"`
	ContactPhone string `gorm:"size:20"`
	CreatedAt    time.Time
}

// Transaction records every ledger-backed movement originated by a user.
// CONFIRMED implies TxID and ConfirmedAt are set.
type Transaction struct {
	ID              uint    `gorm:"primaryKey"`
	TxID            *string `gorm:"uniqueIndex;size:64"`
	SenderPhone     string  `gorm:"size:20;index;not null"`
	SenderAddress   string  `gorm:"size:64"`
	ReceiverPhone   string  `gorm:"size:20;index"`
	ReceiverAddress string  `gorm:"size:64"`
	Amount          float64 `gorm:"not null"`
	Type            string  `gorm:"size:16;index"`
	Status          string  `gorm:"size:16;index"`
	Note            string  `gorm:"size:512"`
	SplitID         *uint   `gorm:"index"`
	FundID          *uint   `gorm:"index"`
	MerchantID      *uint   `gorm:"index"`
	PaymentRef      string  `gorm:"size:64"`
	Timestamp       time.Time
	ConfirmedAt     *time.Time
}

// SplitBill is a bill divided equally across its participants, the initiator
// included.
type SplitBill struct {
	ID              uint    `gorm:"primaryKey"`
	InitiatorPhone  string  `gorm:"size:20;index"`
	TotalAmount     float64 `gorm:"not null"`
	AmountPerPerson float64 `gorm:"not null"`
	Description     string  `gorm:"size:256"`
	Status          string  `gorm:"size:16;index"`
	CreatedAt       time.Time
	CompletedAt     *time.Time
	Payments        []SplitPayment
}

// SplitPayment is one participant's share of a split bill.
type SplitPayment struct {
	ID               uint    `gorm:"primaryKey"`
	SplitBillID      uint    `gorm:"index;uniqueIndex:idx_split_participant"`
	ParticipantPhone string  `gorm:"size:20;uniqueIndex:idx_split_participant"`
	Amount           float64 `gorm:"not null"`
	IsPaid           bool    `gorm:"index"`
	TxID             *string `gorm:"size:64"`
	PaidAt           *time.Time
	CreatedAt        time.Time
}

// Fund is a fundraising campaign credited directly to its creator's account.
// CurrentAmount is monotonic and equals the sum of confirmed contributions.
type Fund struct {
	ID            uint    `gorm:"primaryKey"`
	CreatorPhone  string  `gorm:"size:20;index"`
	Title         string  `gorm:"size:128"`
	GoalAmount    float64 `gorm:"not null"`
	CurrentAmount float64 `gorm:"not null;default:0"`
	IsGoalMet     bool
	IsActive      bool `gorm:"index"`
	Deadline      time.Time
	CreatedAt     time.Time
	Contributions []FundContribution
}

// FundContribution is a confirmed on-ledger contribution to a fund.
type FundContribution struct {
	ID               uint    `gorm:"primaryKey"`
	FundID           uint    `gorm:"index"`
	ContributorPhone string  `gorm:"size:20;index"`
	Amount           float64 `gorm:"not null"`
	TxID             string  `gorm:"uniqueIndex;size:64"`
	CreatedAt        time.Time
}

// Event is a ticketed happening with bounded capacity. TicketsSold is
// monotonic and never exceeds TotalCapacity.
type Event struct {
	ID            uint   `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;size:128"`
	Category      string `gorm:"size:64"`
	Venue         string `gorm:"size:128"`
	MerchantPhone string `gorm:"size:20;index"`
	Date          time.Time
	TicketPrice   float64 `gorm:"not null"`
	TotalCapacity int     `gorm:"not null"`
	TicketsSold   int     `gorm:"not null;default:0"`
	IsActive      bool    `gorm:"index"`
	CreatedAt     time.Time
}

// SoldOut reports whether the event has no remaining capacity.
func (e *Event) SoldOut() bool { return e.TicketsSold >= e.TotalCapacity }

// Ticket is an NFT-backed admission right. Verification consults the owner's
// on-ledger holding of AssetID.
type Ticket struct {
	ID           uint   `gorm:"primaryKey"`
	OwnerPhone   string `gorm:"size:20;index"`
	EventName    string `gorm:"size:128;index"`
	AssetID      uint64 `gorm:"uniqueIndex"`
	TicketNumber string `gorm:"uniqueIndex;size:32"`
	IsValid      bool
	IsUsed       bool
	UsedAt       *time.Time
	CreatedAt    time.Time
}

// PaymentCommitment is the escrow root: a deadline-bound pool whose funds are
// custodied in a dedicated ledger account created for this commitment alone.
type PaymentCommitment struct {
	ID                 uint    `gorm:"primaryKey"`
	OrganizerPhone     string  `gorm:"size:20;index"`
	Title              string  `gorm:"size:128"`
	Description        string  `gorm:"size:512"`
	AmountPerPerson    float64 `gorm:"not null"`
	TotalParticipants  int     `gorm:"not null"`
	Deadline           time.Time
	EscrowAddress      string           `gorm:"uniqueIndex;size:64"`
	EncryptedEscrowKey []byte           `gorm:"not null"`
	Status             CommitmentStatus `gorm:"size:16;index"`
	TotalLocked        float64          `gorm:"not null;default:0"`
	ParticipantsLocked int              `gorm:"not null;default:0"`
	ReleasedAt         *time.Time
	ReleasedTxID       *string `gorm:"size:64"`
	CreatedAt          time.Time
	Participants       []CommitmentParticipant `gorm:"foreignKey:CommitmentID"`
}

// Terminal reports whether the commitment can no longer change state.
func (c *PaymentCommitment) Terminal() bool {
	return c.Status != CommitmentActive
}

// CommitmentParticipant is one member of a commitment pool.
type CommitmentParticipant struct {
	ID            uint    `gorm:"primaryKey"`
	CommitmentID  uint    `gorm:"index;uniqueIndex:idx_commitment_phone"`
	Phone         string  `gorm:"size:20;uniqueIndex:idx_commitment_phone"`
	WalletAddress string  `gorm:"size:64"`
	Amount        float64 `gorm:"not null"`
	Status        ParticipantStatus `gorm:"size:16;index"`
	LockTxID      *string `gorm:"size:64"`
	ReleaseTxID   *string `gorm:"size:64"`
	LastError     string  `gorm:"size:256"`
	LockedAt      *time.Time
	CreatedAt     time.Time
}

// ReliabilityScore tracks how dependably a phone fulfils commitments.
// Score = round(fulfilled_on_time / max(1, total) · 100).
type ReliabilityScore struct {
	ID               uint   `gorm:"primaryKey"`
	Phone            string `gorm:"uniqueIndex;size:20"`
	TotalCommitments int    `gorm:"not null;default:0"`
	FulfilledOnTime  int    `gorm:"not null;default:0"`
	FulfilledLate    int    `gorm:"not null;default:0"`
	Missed           int    `gorm:"not null;default:0"`
	Score            int    `gorm:"not null;default:0"`
	UpdatedAt        time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Contact{},
		&Transaction{},
		&SplitBill{},
		&SplitPayment{},
		&Fund{},
		&FundContribution{},
		&Event{},
		&Ticket{},
		&PaymentCommitment{},
		&CommitmentParticipant{},
		&ReliabilityScore{},
	)
}
