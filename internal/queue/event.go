// Package queue defines message payloads exchanged over the message broker.
package queue

// TransactionCreatedEvent is published after a ledger transaction is
// durably committed. It carries enough information for downstream
// consumers to build the audit trail, notify members, or feed
// analytics without querying the primary database. Transfers publish
// one event per row of the pair.
type TransactionCreatedEvent struct {
	TransactionID uint64   `json:"transaction_id"`
	UTORid        string   `json:"utorid"`
	Type          string   `json:"type"`
	Amount        int64    `json:"amount"`
	Spent         *float64 `json:"spent,omitempty"`
	Redeemed      *int64   `json:"redeemed,omitempty"`
	RelatedID     *uint64  `json:"related_id,omitempty"`
	PromotionIDs  []uint64 `json:"promotion_ids,omitempty"`
	CreatedBy     string   `json:"created_by"`
	Suspicious    bool     `json:"suspicious"`
	Remark        string   `json:"remark,omitempty"`
	CreatedAt     string   `json:"created_at"`
}
