package model

import (
	"math"
	"time"
)

// PromotionType distinguishes promotions that apply to every
// qualifying purchase from promotions a member may use only once.
type PromotionType string

const (
	PromotionAutomatic PromotionType = "automatic"
	PromotionOneTime   PromotionType = "onetime"
)

// ParsePromotionType reports whether s names a known promotion type.
func ParsePromotionType(s string) (PromotionType, bool) {
	t := PromotionType(s)
	if t == PromotionAutomatic || t == PromotionOneTime {
		return t, true
	}
	return "", false
}

// Promotion describes a bonus-point rule as stored in the `promotions`
// table.
//
// Fields:
//  ID          – primary key identifier.
//  Name        – display name.
//  Description – free text shown to members.
//  Type        – automatic or onetime.
//  StartTime   – start of the applicability window (inclusive).
//  EndTime     – end of the applicability window (exclusive).
//  MinSpending – minimum purchase total for the promotion to apply
//                (nullable, no threshold when nil).
//  Rate        – bonus points per dollar spent, additive to the base
//                earn rate (nullable).
//  Points      – flat bonus points (nullable).
type Promotion struct {
	ID          uint64        // promotions.id
	Name        string        // promotions.name
	Description string        // promotions.description
	Type        PromotionType // promotions.type
	StartTime   time.Time     // promotions.start_time
	EndTime     time.Time     // promotions.end_time
	MinSpending *float64      // promotions.min_spending (nullable)
	Rate        *float64      // promotions.rate (nullable)
	Points      *int64        // promotions.points (nullable)
}

// ActiveAt reports whether now falls inside the promotion window.
func (p *Promotion) ActiveAt(now time.Time) bool {
	return !now.Before(p.StartTime) && now.Before(p.EndTime)
}

// Qualifies reports whether a purchase of the given dollar total meets
// the promotion's minimum spending threshold.
func (p *Promotion) Qualifies(spent float64) bool {
	return p.MinSpending == nil || spent >= *p.MinSpending
}

// Bonus computes the bonus points this promotion contributes to a
// purchase of the given dollar total. A promotion may define a flat
// points value, a per-dollar rate, or both; the rate contribution is
// floored so partial points are never awarded.
func (p *Promotion) Bonus(spent float64) int64 {
	var bonus int64
	if p.Points != nil {
		bonus += *p.Points
	}
	if p.Rate != nil {
		bonus += int64(math.Floor(*p.Rate * spent))
	}
	return bonus
}

// BasePoints computes the promotion-free point yield of a purchase:
// floor of the base earn rate times the dollar total.
func BasePoints(rate float64, spent float64) int64 {
	return int64(math.Floor(rate * spent))
}
