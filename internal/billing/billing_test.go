package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestYearsToPay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.Equal(t, 0, YearsToPay(now, now), "same instant needs no extra years")
	assert.Equal(t, 0, YearsToPay(now.Add(Year), now), "already paid further than requested")
	assert.Equal(t, 1, YearsToPay(now, now.Add(time.Hour)), "any positive delta rounds up to 1 year")
	assert.Equal(t, 1, YearsToPay(now, now.Add(Year)), "exactly one grace-year needs exactly one year")
	assert.Equal(t, 2, YearsToPay(now, now.Add(Year+time.Second)), "a second past one year rounds up to 2")
}

func TestClampYears(t *testing.T) {
	assert.Equal(t, 1, ClampYears(0))
	assert.Equal(t, 1, ClampYears(-5))
	assert.Equal(t, 1, ClampYears(1))
	assert.Equal(t, MaxYearsStorage, ClampYears(MaxYearsStorage))
	assert.Equal(t, MaxYearsStorage, ClampYears(MaxYearsStorage+1))
}

func TestExtend(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	got := Extend(now, 3)
	assert.Equal(t, now.Add(3*Year), got)
}
