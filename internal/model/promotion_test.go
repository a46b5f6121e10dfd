package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestBasePoints(t *testing.T) {
	// One point per dollar: a $20.00 purchase earns exactly 20 points.
	assert.Equal(t, int64(20), BasePoints(1, 20.00))
	// Partial points are floored, never rounded up.
	assert.Equal(t, int64(19), BasePoints(1, 19.99))
	assert.Equal(t, int64(0), BasePoints(1, 0.99))
}

func TestPromotionBonus(t *testing.T) {
	rate := Promotion{Rate: f64(0.5)}
	assert.Equal(t, int64(10), rate.Bonus(20.00))
	assert.Equal(t, int64(9), rate.Bonus(19.99)) // floor(9.995)

	flat := Promotion{Points: i64(25)}
	assert.Equal(t, int64(25), flat.Bonus(5.00))

	both := Promotion{Rate: f64(0.5), Points: i64(25)}
	assert.Equal(t, int64(35), both.Bonus(20.00))

	empty := Promotion{}
	assert.Equal(t, int64(0), empty.Bonus(100.00))
}

func TestPromotionQualifies(t *testing.T) {
	p := Promotion{MinSpending: f64(10)}
	assert.True(t, p.Qualifies(10))
	assert.True(t, p.Qualifies(20))
	assert.False(t, p.Qualifies(9.99))

	open := Promotion{}
	assert.True(t, open.Qualifies(0.01))
}

func TestPromotionActiveAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	p := Promotion{StartTime: start, EndTime: end}

	assert.False(t, p.ActiveAt(start.Add(-time.Second)))
	assert.True(t, p.ActiveAt(start)) // window start is inclusive
	assert.True(t, p.ActiveAt(start.Add(time.Hour)))
	assert.False(t, p.ActiveAt(end)) // window end is exclusive
}

func TestParsePromotionType(t *testing.T) {
	pt, ok := ParsePromotionType("automatic")
	assert.True(t, ok)
	assert.Equal(t, PromotionAutomatic, pt)

	pt, ok = ParsePromotionType("onetime")
	assert.True(t, ok)
	assert.Equal(t, PromotionOneTime, pt)

	_, ok = ParsePromotionType("recurring")
	assert.False(t, ok)
}
