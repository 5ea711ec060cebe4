package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaxa2505/fudly-bot-sub003/internal/clock"
	"github.com/shaxa2505/fudly-bot-sub003/internal/db"
	"github.com/shaxa2505/fudly-bot-sub003/internal/metrics"
	"github.com/shaxa2505/fudly-bot-sub003/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidQuantity is returned when a caller asks for a non-positive quantity
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidTerminalStatus is returned when Restore is asked for a
	// status that does not release quantity
	ErrInvalidTerminalStatus = errors.New("restore requires cancelled or expired status")
)

const defaultPickupWindow = 24 * time.Hour

// Service is the reservation engine: the only code path that moves
// quantity between an offer and its bookings.
type Service struct {
	db           *db.DB
	offers       *repo.OfferRepository
	bookings     *repo.BookingRepository
	clock        clock.Clock
	metrics      *metrics.Metrics
	log          *zap.Logger
	pickupWindow time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithPickupWindow overrides the default expiry window applied to pickup
// bookings created without an explicit expiry time.
func WithPickupWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pickupWindow = d
		}
	}
}

// NewService creates the reservation engine
func NewService(database *db.DB, offers *repo.OfferRepository, bookings *repo.BookingRepository, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Service {
	svc := &Service{
		db:           database,
		offers:       offers,
		bookings:     bookings,
		clock:        clk,
		metrics:      m,
		log:          logger,
		pickupWindow: defaultPickupWindow,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// ReserveInput carries the optional parts of a reservation request.
type ReserveInput struct {
	DeliveryOption string
	ExpiryTime     *time.Time
}

// Reserve atomically takes quantity units off the offer and creates a
// pending booking for them, all in one transaction serialized on the
// offer row. ok=false means the offer was missing, inactive or short on
// stock; that is an expected outcome under contention, not an error.
func (s *Service) Reserve(ctx context.Context, offerID, userID string, quantity int, in ReserveInput) (bool, *db.Booking, error) {
	if quantity <= 0 {
		return false, nil, ErrInvalidQuantity
	}

	deliveryOption := in.DeliveryOption
	if deliveryOption == "" {
		deliveryOption = db.DeliveryOptionPickup
	}

	s.metrics.ReservationsAttempted.Inc()

	var booking *db.Booking
	ok := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		offer, err := s.offers.GetForUpdate(tx, offerID)
		if err != nil {
			if errors.Is(err, repo.ErrOfferNotFound) {
				return nil
			}
			return err
		}
		if offer.Status != db.OfferStatusActive || offer.Quantity < quantity {
			return nil
		}

		applied, err := s.offers.Decrement(tx, offerID, quantity)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}

		expiry := in.ExpiryTime
		if expiry == nil && deliveryOption == db.DeliveryOptionPickup {
			t := s.clock.Now().Add(s.pickupWindow)
			expiry = &t
		}

		b := &db.Booking{
			ID:             uuid.New().String(),
			OfferID:        offerID,
			UserID:         userID,
			Quantity:       quantity,
			Status:         db.BookingStatusPending,
			DeliveryOption: deliveryOption,
			ExpiryTime:     expiry,
		}
		if err := s.bookings.Create(tx, b); err != nil {
			return err
		}

		booking = b
		ok = true
		return nil
	})
	if err != nil {
		s.log.Error("Reserve transaction failed",
			zap.String("offer_id", offerID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return false, nil, fmt.Errorf("reserve: %w", err)
	}

	if ok {
		s.metrics.ReservationsSucceeded.Inc()
		s.log.Info("Booking created",
			zap.String("booking_id", booking.ID),
			zap.String("offer_id", offerID),
			zap.String("booking_code", booking.BookingCode),
			zap.Int("quantity", quantity),
		)
	} else {
		s.metrics.ReservationsRejected.Inc()
	}

	return ok, booking, nil
}

// Restore moves the booking to terminalStatus (cancelled or expired) and
// credits its quantity back to the offer, in one transaction. Idempotent
// at the booking level: a booking already in a terminal state is left
// untouched and the offer is not double-credited. Returns whether this
// call performed the transition.
func (s *Service) Restore(ctx context.Context, bookingID, terminalStatus string) (bool, error) {
	if terminalStatus != db.BookingStatusCancelled && terminalStatus != db.BookingStatusExpired {
		return false, ErrInvalidTerminalStatus
	}

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.bookings.GetByIDForUpdate(tx, bookingID)
		if err != nil {
			return err
		}
		if b.IsTerminal() {
			// A concurrent cancel or an earlier worker pass got here
			// first; quantity is already resolved.
			return nil
		}
		if !CanTransition(b.Status, terminalStatus) {
			return nil
		}

		if err := s.bookings.SetStatus(tx, bookingID, terminalStatus); err != nil {
			return err
		}
		if err := s.offers.Increment(tx, b.OfferID, b.Quantity); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrBookingNotFound) {
			return false, err
		}
		s.log.Error("Restore transaction failed",
			zap.String("booking_id", bookingID),
			zap.String("terminal_status", terminalStatus),
			zap.Error(err),
		)
		return false, fmt.Errorf("restore: %w", err)
	}

	if changed {
		s.log.Info("Booking released",
			zap.String("booking_id", bookingID),
			zap.String("status", terminalStatus),
		)
	}
	return changed, nil
}

// Cancel releases the booking and restores its quantity. Safe to call
// repeatedly; only the first call takes effect.
func (s *Service) Cancel(ctx context.Context, bookingID string) (bool, error) {
	return s.Restore(ctx, bookingID, db.BookingStatusCancelled)
}

// Expire releases the booking as expired. Used by the maintenance worker.
func (s *Service) Expire(ctx context.Context, bookingID string) (bool, error) {
	return s.Restore(ctx, bookingID, db.BookingStatusExpired)
}

// Confirm transitions a pending booking to confirmed (seller accepted it).
func (s *Service) Confirm(ctx context.Context, bookingID string) (bool, error) {
	return s.transition(ctx, bookingID, db.BookingStatusConfirmed)
}

// MarkReady transitions a confirmed booking to ready (seller prepared it).
func (s *Service) MarkReady(ctx context.Context, bookingID string) (bool, error) {
	return s.transition(ctx, bookingID, db.BookingStatusReady)
}

// Complete finishes a confirmed or ready booking; the reserved quantity
// is consumed for good, nothing is credited back.
func (s *Service) Complete(ctx context.Context, bookingID string) (bool, error) {
	return s.transition(ctx, bookingID, db.BookingStatusCompleted)
}

// transition performs a quantity-neutral status change under a row lock.
// Illegal transitions, including anything out of a terminal state, are
// no-ops rather than errors.
func (s *Service) transition(ctx context.Context, bookingID, newStatus string) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.bookings.GetByIDForUpdate(tx, bookingID)
		if err != nil {
			return err
		}
		if !CanTransition(b.Status, newStatus) {
			return nil
		}
		if err := s.bookings.SetStatus(tx, bookingID, newStatus); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrBookingNotFound) {
			return false, err
		}
		s.log.Error("Status transition failed",
			zap.String("booking_id", bookingID),
			zap.String("status", newStatus),
			zap.Error(err),
		)
		return false, fmt.Errorf("transition to %s: %w", newStatus, err)
	}

	if changed {
		s.log.Info("Booking status changed",
			zap.String("booking_id", bookingID),
			zap.String("status", newStatus),
		)
	}
	return changed, nil
}

// GetBooking returns a booking for the outer presentation layers.
func (s *Service) GetBooking(ctx context.Context, bookingID string) (*db.Booking, error) {
	return s.bookings.GetByID(ctx, bookingID)
}

// GetBookingByCode resolves a human-readable booking code.
func (s *Service) GetBookingByCode(ctx context.Context, code string) (*db.Booking, error) {
	return s.bookings.GetByCode(ctx, code)
}

// GetOffer returns an offer for the outer presentation layers.
func (s *Service) GetOffer(ctx context.Context, offerID string) (*db.Offer, error) {
	return s.offers.Get(ctx, offerID)
}

// ListUserBookings returns a user's bookings, newest first.
func (s *Service) ListUserBookings(ctx context.Context, userID string) ([]*db.Booking, error) {
	return s.bookings.ListByUser(ctx, userID)
}

// ListOfferBookings returns an offer's bookings, newest first.
func (s *Service) ListOfferBookings(ctx context.Context, offerID string) ([]*db.Booking, error) {
	return s.bookings.ListByOffer(ctx, offerID)
}
