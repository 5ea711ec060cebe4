package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shaxa2505/fudly-bot-sub003/internal/clock"
	"github.com/shaxa2505/fudly-bot-sub003/internal/db"
	"github.com/shaxa2505/fudly-bot-sub003/internal/metrics"
	"github.com/shaxa2505/fudly-bot-sub003/internal/repo"
	"github.com/shaxa2505/fudly-bot-sub003/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	db       *db.DB
	offers   *repo.OfferRepository
	bookings *repo.BookingRepository
	clock    *clock.Fixed
	service  *Service
}

func setup(t *testing.T, opts ...Option) *fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gormDB.AutoMigrate(&db.Offer{}, &db.Booking{}))

	database := &db.DB{DB: gormDB}
	log := logger.NewLogger("test", "error")
	offers := repo.NewOfferRepository(database, log)
	bookings := repo.NewBookingRepository(database, log)
	clk := clock.NewFixed(time.Now())
	m := metrics.New(prometheus.NewRegistry())

	return &fixture{
		db:       database,
		offers:   offers,
		bookings: bookings,
		clock:    clk,
		service:  NewService(database, offers, bookings, clk, m, log, opts...),
	}
}

func (f *fixture) createOffer(t *testing.T, quantity int) *db.Offer {
	offer := &db.Offer{
		ID:       uuid.New().String(),
		StoreID:  uuid.New().String(),
		Quantity: quantity,
		Status:   db.OfferStatusActive,
	}
	require.NoError(t, f.offers.Create(context.Background(), offer))
	return offer
}

// reservedQuantity sums quantity across the offer's non-terminal bookings.
func (f *fixture) reservedQuantity(t *testing.T, offerID string) int {
	bookings, err := f.bookings.ListByOffer(context.Background(), offerID)
	require.NoError(t, err)

	total := 0
	for _, b := range bookings {
		if !b.IsTerminal() {
			total += b.Quantity
		}
	}
	return total
}

func TestReserve(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 2, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, booking)

	assert.Equal(t, db.BookingStatusPending, booking.Status)
	assert.Equal(t, 2, booking.Quantity)
	assert.Len(t, booking.BookingCode, 6)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)
	assert.Equal(t, db.OfferStatusActive, got.Status)
}

func TestReserveInsufficientQuantity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 1)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 2, ReserveInput{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, booking)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Quantity)

	bookings, err := f.bookings.ListByOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Empty(t, bookings)
}

func TestReserveMissingOffer(t *testing.T) {
	f := setup(t)

	ok, booking, err := f.service.Reserve(context.Background(), uuid.New().String(), "user-1", 1, ReserveInput{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, booking)
}

func TestReserveInactiveOffer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)
	require.NoError(t, f.offers.Deactivate(ctx, offer.ID))

	ok, _, err := f.service.Reserve(ctx, offer.ID, "user-1", 1, ReserveInput{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveInvalidQuantity(t *testing.T) {
	f := setup(t)
	offer := f.createOffer(t, 5)

	_, _, err := f.service.Reserve(context.Background(), offer.ID, "user-1", 0, ReserveInput{})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, _, err = f.service.Reserve(context.Background(), offer.ID, "user-1", -1, ReserveInput{})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReserveDrainsOfferToInactive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 3)

	ok, _, err := f.service.Reserve(ctx, offer.ID, "user-1", 3, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quantity)
	assert.Equal(t, db.OfferStatusInactive, got.Status)
}

func TestReserveDefaultPickupExpiry(t *testing.T) {
	f := setup(t, WithPickupWindow(2*time.Hour))
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 1, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NotNil(t, booking.ExpiryTime)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), *booking.ExpiryTime)
}

func TestReserveExplicitExpiryWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	expiry := f.clock.Now().Add(45 * time.Minute)
	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 1, ReserveInput{ExpiryTime: &expiry})
	require.NoError(t, err)
	require.True(t, ok)

	require.NotNil(t, booking.ExpiryTime)
	assert.Equal(t, expiry, *booking.ExpiryTime)
}

func TestReserveDeliveryHasNoDefaultExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 1, ReserveInput{DeliveryOption: db.DeliveryOptionDelivery})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, booking.ExpiryTime)
}

// Ten concurrent single-unit reservations against five units: exactly
// five succeed, the offer drains to zero and goes inactive, and no unit
// is created or destroyed.
func TestConcurrentReservesNoOverselling(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	const callers = 10
	results := make(chan bool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, _, err := f.service.Reserve(ctx, offer.ID, fmt.Sprintf("user-%d", n), 1, ReserveInput{})
			assert.NoError(t, err)
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 5, succeeded)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quantity)
	assert.Equal(t, db.OfferStatusInactive, got.Status)
	assert.Equal(t, 5, f.reservedQuantity(t, offer.ID))
}

// Three concurrent two-unit reservations against five units: exactly two
// succeed and one unit remains.
func TestConcurrentReservesPartialFit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	const callers = 3
	results := make(chan bool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, _, err := f.service.Reserve(ctx, offer.ID, fmt.Sprintf("user-%d", n), 2, ReserveInput{})
			assert.NoError(t, err)
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 2, succeeded)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Quantity)
	assert.Equal(t, 4, f.reservedQuantity(t, offer.ID))
}

func TestCancelRestoresQuantityOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 2, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	changed, err := f.service.Cancel(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)

	// Second cancel is a no-op, not an error, and must not double-credit.
	changed, err = f.service.Cancel(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)
}

func TestConcurrentRestoreCreditsOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 3, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	const callers = 5
	results := make(chan bool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := f.service.Cancel(ctx, booking.ID)
			assert.NoError(t, err)
			results <- changed
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for changed := range results {
		if changed {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)
}

func TestCancelReactivatesDrainedOffer(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 2)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 2, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, db.OfferStatusInactive, got.Status)

	_, err = f.service.Cancel(ctx, booking.ID)
	require.NoError(t, err)

	got, err = f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)
	assert.Equal(t, db.OfferStatusActive, got.Status)
}

func TestRestoreRejectsNonReleasingStatus(t *testing.T) {
	f := setup(t)
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(context.Background(), offer.ID, "user-1", 1, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.service.Restore(context.Background(), booking.ID, db.BookingStatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTerminalStatus)
}

func TestRestoreMissingBooking(t *testing.T) {
	f := setup(t)

	_, err := f.service.Cancel(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, repo.ErrBookingNotFound)
}

func TestLifecycleToCompleted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 2, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	changed, err := f.service.Confirm(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.service.MarkReady(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.service.Complete(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := f.service.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingStatusCompleted, got.Status)

	// Completed consumes the reserved units for good.
	offerRow, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, offerRow.Quantity)
}

func TestCompleteFromConfirmedSkipsReady(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 1, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.service.Confirm(ctx, booking.ID)
	require.NoError(t, err)

	changed, err := f.service.Complete(ctx, booking.ID)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestTerminalStateIsFinal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 1, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.service.Cancel(ctx, booking.ID)
	require.NoError(t, err)

	// Every further transition attempt is a silent no-op.
	changed, err := f.service.Confirm(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.service.Complete(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.service.Expire(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := f.service.GetBooking(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingStatusCancelled, got.Status)
}

func TestConfirmOutOfOrderIsNoOp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	offer := f.createOffer(t, 5)

	ok, booking, err := f.service.Reserve(ctx, offer.ID, "user-1", 1, ReserveInput{})
	require.NoError(t, err)
	require.True(t, ok)

	// MarkReady before Confirm is not a legal transition.
	changed, err := f.service.MarkReady(ctx, booking.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestConservationAcrossMixedOperations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	const initial = 10
	offer := f.createOffer(t, initial)

	var bookings []*db.Booking
	for i := 0; i < 4; i++ {
		ok, b, err := f.service.Reserve(ctx, offer.ID, fmt.Sprintf("user-%d", i), 2, ReserveInput{})
		require.NoError(t, err)
		require.True(t, ok)
		bookings = append(bookings, b)
	}

	_, err := f.service.Cancel(ctx, bookings[0].ID)
	require.NoError(t, err)
	_, err = f.service.Confirm(ctx, bookings[1].ID)
	require.NoError(t, err)
	_, err = f.service.Expire(ctx, bookings[2].ID)
	require.NoError(t, err)

	got, err := f.offers.Get(ctx, offer.ID)
	require.NoError(t, err)

	// available + reserved(non-terminal) == initial, at any point in time
	assert.Equal(t, initial, got.Quantity+f.reservedQuantity(t, offer.ID))
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{db.BookingStatusPending, db.BookingStatusConfirmed, true},
		{db.BookingStatusPending, db.BookingStatusCancelled, true},
		{db.BookingStatusPending, db.BookingStatusExpired, true},
		{db.BookingStatusPending, db.BookingStatusReady, false},
		{db.BookingStatusPending, db.BookingStatusCompleted, false},
		{db.BookingStatusConfirmed, db.BookingStatusReady, true},
		{db.BookingStatusConfirmed, db.BookingStatusCompleted, true},
		{db.BookingStatusConfirmed, db.BookingStatusCancelled, true},
		{db.BookingStatusConfirmed, db.BookingStatusExpired, true},
		{db.BookingStatusReady, db.BookingStatusCompleted, true},
		{db.BookingStatusReady, db.BookingStatusExpired, true},
		{db.BookingStatusReady, db.BookingStatusCancelled, true},
		{db.BookingStatusReady, db.BookingStatusConfirmed, false},
		{db.BookingStatusCompleted, db.BookingStatusCancelled, false},
		{db.BookingStatusCancelled, db.BookingStatusPending, false},
		{db.BookingStatusCancelled, db.BookingStatusConfirmed, false},
		{db.BookingStatusExpired, db.BookingStatusCompleted, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
