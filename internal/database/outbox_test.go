package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextAttempt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		retries int
		status  string
		count   int
		backoff time.Duration
	}{
		{0, OutboxStatusFailed, 1, 2 * time.Second},
		{1, OutboxStatusFailed, 2, 4 * time.Second},
		{3, OutboxStatusFailed, 4, 16 * time.Second},
		{4, OutboxStatusDeadLetter, 5, 32 * time.Second},
		{12, OutboxStatusDeadLetter, 13, 300 * time.Second},
	}

	for _, tt := range tests {
		status, count, next := nextAttempt(tt.retries, now)
		assert.Equal(t, tt.status, status, "retries=%d", tt.retries)
		assert.Equal(t, tt.count, count)
		assert.Equal(t, now.Add(tt.backoff), next)
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "watch", Password: "p@ss/word", Database: "pricewatch"}
	assert.Equal(t, "postgres://watch:p%40ss%2Fword@db:5432/pricewatch?sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}
