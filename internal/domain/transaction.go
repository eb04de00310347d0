/**
 * @description
 * This file defines the transaction ledger record and its query options.
 * A Transaction is the append-only record of a settled (or failed) purchase;
 * its ledger reference is the idempotency key that prevents double-crediting
 * the same on-chain settlement.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus enumerates the terminal states of a transaction record.
type TransactionStatus string

const (
	TransactionStatusSuccess TransactionStatus = "success"
	TransactionStatusFailed  TransactionStatus = "failed"

	// TransactionStatusPendingTransfer marks a transaction whose payment
	// settled and was recorded, but whose item transfer failed afterwards.
	// These rows are the work queue for manual reconciliation.
	TransactionStatusPendingTransfer TransactionStatus = "pending_transfer"
)

// TransactionKind distinguishes what was purchased.
type TransactionKind string

const (
	TransactionKindListing    TransactionKind = "listing_purchase"
	TransactionKindMysteryBox TransactionKind = "mystery_box"
)

// Transaction is the append-only ledger record for a purchase. TxReference is
// the external ledger's settlement signature and is unique across all rows.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	ListingID   *uuid.UUID        `json:"listing_id,omitempty"`
	Kind        TransactionKind   `json:"kind"`
	BuyerID     string            `json:"buyer_id"`
	SellerID    string            `json:"seller_id"`
	Amount      int64             `json:"amount"` // smallest currency units
	TxReference string            `json:"tx_reference"`
	Status      TransactionStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// TransactionListOptions controls offset-paginated transaction history
// queries. SortOrder sorts by creation time.
type TransactionListOptions struct {
	Page      int
	Limit     int
	SortOrder SortOrder
}

// SortOrder is an ascending/descending toggle for history queries.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// CurrencyBalance is a point-in-time observation of an account's balance on
// the external ledger, in smallest currency units.
type CurrencyBalance struct {
	Amount     int64     `json:"amount"`
	ObservedAt time.Time `json:"observed_at"`
}
