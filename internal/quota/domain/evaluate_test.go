package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	quota := func(v uint64) *uint64 { return &v }
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	cases := []struct {
		name     string
		consumed uint64
		quota    *uint64
		expiry   *time.Time
		want     Decision
	}{
		{name: "unlimited", consumed: 1 << 40, want: Decision{Active: true}},
		{name: "under quota", consumed: 999, quota: quota(1000), want: Decision{Active: true}},
		{name: "quota reached", consumed: 1000, quota: quota(1000), want: Decision{Reason: ReasonQuotaExhausted}},
		{name: "zero quota", quota: quota(0), want: Decision{Reason: ReasonQuotaExhausted}},
		{name: "expires now", expiry: at(0), want: Decision{Reason: ReasonExpired}},
		{name: "expires later", expiry: at(time.Second), want: Decision{Active: true}},
		{name: "quota wins over expiry", consumed: 5, quota: quota(5), expiry: at(-time.Hour), want: Decision{Reason: ReasonQuotaExhausted}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.consumed, tc.quota, tc.expiry, now))
		})
	}
}
