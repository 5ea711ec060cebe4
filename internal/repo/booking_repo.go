package repo

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/shaxa2505/fudly-bot-sub003/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBookingNotFound is returned when a booking is not found
	ErrBookingNotFound = errors.New("booking not found")
)

const (
	bookingCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	bookingCodeLength   = 6

	// How many times Create retries a colliding booking code before
	// giving up. Collisions are detected through the unique index, never
	// assumed impossible.
	maxCodeAttempts = 5
)

// BookingRepository handles persistence for booking rows
type BookingRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewBookingRepository creates a new booking repository
func NewBookingRepository(database *db.DB, logger *zap.Logger) *BookingRepository {
	return &BookingRepository{
		db:  database,
		log: logger,
	}
}

// Create inserts the booking within tx, generating a unique booking code.
// On a code collision the insert is retried with a fresh code; the
// attempt runs in a savepoint so the surrounding transaction survives.
func (r *BookingRepository) Create(tx *gorm.DB, booking *db.Booking) error {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := generateBookingCode()
		if err != nil {
			return fmt.Errorf("failed to generate booking code: %w", err)
		}
		booking.BookingCode = code

		err = tx.Transaction(func(inner *gorm.DB) error {
			return inner.Create(booking).Error
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			r.log.Warn("Booking code collision, regenerating",
				zap.String("booking_code", code),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		r.log.Error("Failed to create booking", zap.String("offer_id", booking.OfferID), zap.Error(err))
		return err
	}

	return fmt.Errorf("failed to create booking after %d code attempts", maxCodeAttempts)
}

// GetByID retrieves a booking by ID
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*db.Booking, error) {
	var booking db.Booking
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		r.log.Error("Failed to get booking", zap.String("booking_id", id), zap.Error(err))
		return nil, err
	}
	return &booking, nil
}

// GetByIDForUpdate reads a booking within tx holding an exclusive row
// lock, used by the restore path to serialize racing terminal writes.
func (r *BookingRepository) GetByIDForUpdate(tx *gorm.DB, id string) (*db.Booking, error) {
	var booking db.Booking
	err := lockForUpdate(tx).Where("id = ?", id).First(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return &booking, nil
}

// GetByCode retrieves a booking by its human-readable code
func (r *BookingRepository) GetByCode(ctx context.Context, code string) (*db.Booking, error) {
	var booking db.Booking
	err := r.db.WithContext(ctx).Where("booking_code = ?", code).First(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		r.log.Error("Failed to get booking by code", zap.String("booking_code", code), zap.Error(err))
		return nil, err
	}
	return &booking, nil
}

// SetStatus writes the booking status. Pure status write; callers
// orchestrating cancellation or expiry must credit the ledger in the
// same transaction themselves.
func (r *BookingRepository) SetStatus(tx *gorm.DB, id, status string) error {
	result := tx.Model(&db.Booking{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		r.log.Error("Failed to set booking status",
			zap.String("booking_id", id),
			zap.String("status", status),
			zap.Error(result.Error),
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// MarkReminderSent flags the booking so the pre-expiry reminder is not
// sent again, regardless of whether delivery succeeded.
func (r *BookingRepository) MarkReminderSent(ctx context.Context, id string) error {
	return r.markFlag(ctx, id, "reminder_sent")
}

// MarkPartnerReminderSent flags the booking after the seller was nudged once.
func (r *BookingRepository) MarkPartnerReminderSent(ctx context.Context, id string) error {
	return r.markFlag(ctx, id, "partner_reminder_sent")
}

func (r *BookingRepository) markFlag(ctx context.Context, id, column string) error {
	result := r.db.WithContext(ctx).Model(&db.Booking{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			column:       true,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		r.log.Error("Failed to mark booking flag",
			zap.String("booking_id", id),
			zap.String("flag", column),
			zap.Error(result.Error),
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBookingNotFound
	}
	return nil
}

// ListByOffer returns all bookings for an offer, newest first
func (r *BookingRepository) ListByOffer(ctx context.Context, offerID string) ([]*db.Booking, error) {
	var bookings []*db.Booking
	err := r.db.WithContext(ctx).
		Where("offer_id = ?", offerID).
		Order("created_at DESC").
		Find(&bookings).Error
	if err != nil {
		r.log.Error("Failed to list bookings by offer", zap.String("offer_id", offerID), zap.Error(err))
		return nil, err
	}
	return bookings, nil
}

// ListByUser returns all bookings for a user, newest first
func (r *BookingRepository) ListByUser(ctx context.Context, userID string) ([]*db.Booking, error) {
	var bookings []*db.Booking
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&bookings).Error
	if err != nil {
		r.log.Error("Failed to list bookings by user", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return bookings, nil
}

// ListExpiring returns pending pickup bookings whose expiry falls within
// the window and that have not been reminded yet.
func (r *BookingRepository) ListExpiring(ctx context.Context, now time.Time, within time.Duration) ([]*db.Booking, error) {
	var bookings []*db.Booking
	err := r.db.WithContext(ctx).
		Where("status = ? AND delivery_option = ? AND reminder_sent = ?", db.BookingStatusPending, db.DeliveryOptionPickup, false).
		Where("expiry_time IS NOT NULL AND expiry_time > ? AND expiry_time <= ?", now, now.Add(within)).
		Find(&bookings).Error
	if err != nil {
		r.log.Error("Failed to list expiring bookings", zap.Error(err))
		return nil, err
	}
	return bookings, nil
}

// ListPendingWithoutPartnerReminder returns bookings that have been
// pending since before cutoff and whose seller has not been nudged.
func (r *BookingRepository) ListPendingWithoutPartnerReminder(ctx context.Context, cutoff time.Time) ([]*db.Booking, error) {
	var bookings []*db.Booking
	err := r.db.WithContext(ctx).
		Where("status = ? AND partner_reminder_sent = ? AND created_at <= ?", db.BookingStatusPending, false, cutoff).
		Find(&bookings).Error
	if err != nil {
		r.log.Error("Failed to list bookings awaiting partner reminder", zap.Error(err))
		return nil, err
	}
	return bookings, nil
}

// ListExpired returns pickup bookings past their expiry that still hold
// quantity (pending or confirmed).
func (r *BookingRepository) ListExpired(ctx context.Context, now time.Time) ([]*db.Booking, error) {
	var bookings []*db.Booking
	err := r.db.WithContext(ctx).
		Where("status IN ? AND delivery_option = ?", []string{db.BookingStatusPending, db.BookingStatusConfirmed}, db.DeliveryOptionPickup).
		Where("expiry_time IS NOT NULL AND expiry_time <= ?", now).
		Find(&bookings).Error
	if err != nil {
		r.log.Error("Failed to list expired bookings", zap.Error(err))
		return nil, err
	}
	return bookings, nil
}

// ListPendingOlderThan returns bookings pending since before cutoff,
// optionally filtered by delivery option ("" matches all).
func (r *BookingRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, deliveryOption string) ([]*db.Booking, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", db.BookingStatusPending, cutoff)
	if deliveryOption != "" {
		query = query.Where("delivery_option = ?", deliveryOption)
	}

	var bookings []*db.Booking
	if err := query.Find(&bookings).Error; err != nil {
		r.log.Error("Failed to list stale pending bookings", zap.Error(err))
		return nil, err
	}
	return bookings, nil
}

// ListReadyOlderThan returns bookings left in ready since before cutoff.
func (r *BookingRepository) ListReadyOlderThan(ctx context.Context, cutoff time.Time) ([]*db.Booking, error) {
	var bookings []*db.Booking
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", db.BookingStatusReady, cutoff).
		Find(&bookings).Error
	if err != nil {
		r.log.Error("Failed to list stale ready bookings", zap.Error(err))
		return nil, err
	}
	return bookings, nil
}

// generateBookingCode returns a 6-character uppercase alphanumeric code
// from an unbiased random source.
func generateBookingCode() (string, error) {
	// 252 is the largest multiple of len(alphabet) below 256; rejecting
	// bytes above it keeps the distribution uniform.
	const maxUnbiased = 252

	code := make([]byte, 0, bookingCodeLength)
	buf := make([]byte, 16)
	for len(code) < bookingCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			code = append(code, bookingCodeAlphabet[int(b)%len(bookingCodeAlphabet)])
			if len(code) == bookingCodeLength {
				break
			}
		}
	}
	return string(code), nil
}
