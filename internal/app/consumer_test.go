package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rewards-service/internal/domain"
	"github.com/transfa/rewards-service/internal/ledger"
	"github.com/transfa/rewards-service/internal/redemption"
	"github.com/transfa/rewards-service/internal/store"
)

type unavailableProgressRepo struct {
	store.ProgressRepository
}

func (unavailableProgressRepo) GetProgress(ctx context.Context, userID string) (domain.UserProgress, error) {
	return domain.UserProgress{}, errors.New("connection reset")
}

func TestStepsConsumerCreditsValidEvent(t *testing.T) {
	f := newServiceFixture(t, nil)
	c := f.service.StepsConsumer()

	ok := c.HandleMessage([]byte(`{"event_id":"evt-1","user_id":"u1","steps":1000,"occurred_at":"2025-06-01T12:00:00Z"}`))
	require.True(t, ok)

	w, err := f.service.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), w.TotalBalance)

	// Redelivery acknowledges without crediting twice.
	ok = c.HandleMessage([]byte(`{"event_id":"evt-1","user_id":"u1","steps":1000}`))
	require.True(t, ok)
	w, err = f.service.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), w.TotalBalance)
}

func TestStepsConsumerDropsUnprocessableEvents(t *testing.T) {
	f := newServiceFixture(t, nil)
	c := f.service.StepsConsumer()

	for _, body := range []string{
		`not json`,
		`{"user_id":"u1","steps":100}`,
		`{"event_id":"evt-1","steps":100}`,
		`{"event_id":"evt-1","user_id":"u1","steps":-100}`,
	} {
		assert.True(t, c.HandleMessage([]byte(body)), body)
	}

	p, err := f.repo.GetProgress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, p.TotalLifetimeSteps)
}

func TestStepsConsumerRequeuesInfrastructureFailures(t *testing.T) {
	repo := store.NewMemoryRepository()
	l := ledger.New(repo, discardLogger(), ledger.Config{RetryInitialInterval: time.Millisecond})
	r := redemption.New(repo, l, discardLogger(), redemption.Config{})
	svc := NewService(l, r, unavailableProgressRepo{}, &recordingPublisher{}, discardLogger(), Config{})

	ok := svc.StepsConsumer().HandleMessage([]byte(`{"event_id":"evt-1","user_id":"u1","steps":100}`))
	assert.False(t, ok)
}
