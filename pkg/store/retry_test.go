package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestWithRetry_RetriesConcurrentModification(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("wrapped: %w", models.ErrConcurrentModification)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_StopsOnOtherErrors(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), RetryConfig{MaxAttempts: 5}, func() error {
		attempts++
		return models.ErrNotDue
	})
	assert.ErrorIs(t, err, models.ErrNotDue)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_GivesUp(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}, func() error {
		attempts++
		return models.ErrConcurrentModification
	})
	assert.True(t, errors.Is(err, models.ErrConcurrentModification))
	assert.Equal(t, 2, attempts)
}

func TestRebind(t *testing.T) {
	pg := &conn{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM loans WHERE id = $1 AND version = $2", pg.rebind("SELECT * FROM loans WHERE id = ? AND version = ?"))

	lite := &conn{driver: DriverSQLite}
	assert.Equal(t, "id = ?", lite.rebind("id = ?"))
}

func TestMapErr_PassesThroughUnknown(t *testing.T) {
	boom := errors.New("boom")
	assert.Equal(t, boom, mapErr(boom))
	assert.Nil(t, mapErr(nil))
}
