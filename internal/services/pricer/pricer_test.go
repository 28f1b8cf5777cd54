package pricer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bullion/internal/domain"
)

type mockPricer struct {
	mock.Mock
}

func (m *mockPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func TestFallback_GetPrice(t *testing.T) {
	pair := domain.USDTPair(domain.AssetBTC)

	t.Run("primary answers", func(t *testing.T) {
		primary, secondary := new(mockPricer), new(mockPricer)
		primary.On("GetPrice", mock.Anything, pair).Return(decimal.NewFromInt(64000), nil)

		price, err := NewFallback(primary, secondary).GetPrice(context.Background(), pair)
		require.NoError(t, err)
		assert.True(t, price.Equal(decimal.NewFromInt(64000)))
		secondary.AssertNotCalled(t, "GetPrice", mock.Anything, mock.Anything)
	})

	t.Run("secondary used on primary failure", func(t *testing.T) {
		primary, secondary := new(mockPricer), new(mockPricer)
		primary.On("GetPrice", mock.Anything, pair).Return(decimal.Decimal{}, ErrRateLimited)
		secondary.On("GetPrice", mock.Anything, pair).Return(decimal.NewFromInt(63990), nil)

		price, err := NewFallback(primary, secondary).GetPrice(context.Background(), pair)
		require.NoError(t, err)
		assert.True(t, price.Equal(decimal.NewFromInt(63990)))
	})

	t.Run("both fail", func(t *testing.T) {
		primary, secondary := new(mockPricer), new(mockPricer)
		primary.On("GetPrice", mock.Anything, pair).Return(decimal.Decimal{}, ErrRateLimited)
		secondary.On("GetPrice", mock.Anything, pair).Return(decimal.Decimal{}, errors.New("timeout"))

		_, err := NewFallback(primary, secondary).GetPrice(context.Background(), pair)
		assert.Error(t, err)
	})

	t.Run("no secondary", func(t *testing.T) {
		primary := new(mockPricer)
		primary.On("GetPrice", mock.Anything, pair).Return(decimal.Decimal{}, ErrRateLimited)

		_, err := NewFallback(primary, nil).GetPrice(context.Background(), pair)
		assert.ErrorIs(t, err, ErrRateLimited)
	})
}
