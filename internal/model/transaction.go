package model

import "time"

// TransactionType enumerates the five kinds of ledger entries.
type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"   // points earned from a dollar purchase
	TxTransfer   TransactionType = "transfer"   // points moved between two accounts
	TxRedemption TransactionType = "redemption" // points redeemed for value, processed by a cashier
	TxAdjustment TransactionType = "adjustment" // manager correction of an earlier transaction
	TxEvent      TransactionType = "event"      // points awarded to an event guest
)

// ParseTransactionType reports whether s names a known transaction type.
func ParseTransactionType(s string) (TransactionType, bool) {
	t := TransactionType(s)
	switch t {
	case TxPurchase, TxTransfer, TxRedemption, TxAdjustment, TxEvent:
		return t, true
	}
	return "", false
}

// Transaction is one row of the points ledger. Rows are created once
// and never deleted; only the Processed and Suspicious flags mutate
// after creation. The Amount is the signed point delta applied to the
// owner's balance. A redemption carries its delta from creation
// (-Redeemed) but the delta is only counted once Processed is true.
//
// Fields:
//  ID           – primary key identifier.
//  UTORid       – handle of the account the delta applies to.
//  Type         – one of the five transaction types.
//  Amount       – signed point delta for the owner.
//  Spent        – dollar amount of a purchase (nullable, purchase only).
//  Redeemed     – requested points of a redemption (nullable).
//  RelatedID    – counterpart transaction for transfers, corrected
//                 transaction for adjustments, event id for awards
//                 (nullable otherwise).
//  PromotionIDs – promotions applied to a purchase.
//  CreatedBy    – utorid of the actor who created the row.
//  ProcessedBy  – utorid of the cashier who processed a redemption
//                 (nullable until processed).
//  Processed    – redemption lifecycle flag; set true exactly once.
//  Suspicious   – while true the row is excluded from the owner's
//                 balance; toggled by managers.
//  Remark       – free text.
//  CreatedAt    – timestamp of creation.
type Transaction struct {
	ID           uint64          // transactions.id
	UTORid       string          // transactions.utorid
	Type         TransactionType // transactions.type
	Amount       int64           // transactions.amount
	Spent        *float64        // transactions.spent (nullable)
	Redeemed     *int64          // transactions.redeemed (nullable)
	RelatedID    *uint64         // transactions.related_id (nullable)
	PromotionIDs []uint64        // transaction_promotions rows
	CreatedBy    string          // transactions.created_by
	ProcessedBy  *string         // transactions.processed_by (nullable)
	Processed    bool            // transactions.processed
	Suspicious   bool            // transactions.suspicious
	Remark       string          // transactions.remark
	CreatedAt    time.Time       // transactions.created_at
}

// Pending reports whether the row is a redemption that has not been
// processed yet. Pending rows reserve points but do not yet count
// toward the stored balance.
func (t *Transaction) Pending() bool {
	return t.Type == TxRedemption && !t.Processed
}
