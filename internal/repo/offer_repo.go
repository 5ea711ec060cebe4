package repo

import (
	"context"
	"errors"
	"time"

	"github.com/shaxa2505/fudly-bot-sub003/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrOfferNotFound is returned when an offer is not found
	ErrOfferNotFound = errors.New("offer not found")
)

// OfferRepository is the ledger for offer quantities. Quantity only ever
// moves through Decrement and Increment; there is no direct setter.
type OfferRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewOfferRepository creates a new offer repository
func NewOfferRepository(database *db.DB, logger *zap.Logger) *OfferRepository {
	return &OfferRepository{
		db:  database,
		log: logger,
	}
}

// Create inserts a new offer. Offers are created by the catalog side of
// the marketplace; this exists for that caller and for test fixtures.
func (r *OfferRepository) Create(ctx context.Context, offer *db.Offer) error {
	if err := r.db.WithContext(ctx).Create(offer).Error; err != nil {
		r.log.Error("Failed to create offer", zap.String("offer_id", offer.ID), zap.Error(err))
		return err
	}
	return nil
}

// Get retrieves an offer by ID
func (r *OfferRepository) Get(ctx context.Context, id string) (*db.Offer, error) {
	var offer db.Offer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferNotFound
		}
		r.log.Error("Failed to get offer", zap.String("offer_id", id), zap.Error(err))
		return nil, err
	}
	return &offer, nil
}

// GetForUpdate reads an offer within tx holding an exclusive row lock,
// so concurrent reservations on the same offer serialize here.
func (r *OfferRepository) GetForUpdate(tx *gorm.DB, id string) (*db.Offer, error) {
	var offer db.Offer
	err := lockForUpdate(tx).Where("id = ?", id).First(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}

// Decrement atomically takes amount units off the offer, failing when the
// offer is inactive or has fewer units left. The check and the write are a
// single conditional UPDATE, so it is safe even without the caller holding
// the row lock. Returns whether the decrement was applied.
func (r *OfferRepository) Decrement(tx *gorm.DB, id string, amount int) (bool, error) {
	result := tx.Model(&db.Offer{}).
		Where("id = ? AND status = ? AND quantity >= ?", id, db.OfferStatusActive, amount).
		UpdateColumns(map[string]interface{}{
			"quantity":   gorm.Expr("quantity - ?", amount),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		r.log.Error("Failed to decrement offer", zap.String("offer_id", id), zap.Error(result.Error))
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		// Missing, inactive or not enough stock left. Expected under
		// contention, not an error.
		return false, nil
	}

	// A drained offer goes inactive so it stops showing up as sellable.
	err := tx.Model(&db.Offer{}).
		Where("id = ? AND quantity = 0 AND status = ?", id, db.OfferStatusActive).
		UpdateColumns(map[string]interface{}{
			"status":     db.OfferStatusInactive,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		r.log.Error("Failed to deactivate drained offer", zap.String("offer_id", id), zap.Error(err))
		return false, err
	}

	return true, nil
}

// Increment credits amount units back to the offer. If the offer was
// inactive only because it had been drained to zero, it becomes active
// again; an offer deactivated administratively stays inactive.
func (r *OfferRepository) Increment(tx *gorm.DB, id string, amount int) error {
	var offer db.Offer
	if err := lockForUpdate(tx).Where("id = ?", id).First(&offer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOfferNotFound
		}
		return err
	}

	updates := map[string]interface{}{
		"quantity":   gorm.Expr("quantity + ?", amount),
		"updated_at": time.Now(),
	}
	if offer.Status == db.OfferStatusInactive && offer.Quantity == 0 {
		updates["status"] = db.OfferStatusActive
	}

	if err := tx.Model(&db.Offer{}).Where("id = ?", id).UpdateColumns(updates).Error; err != nil {
		r.log.Error("Failed to increment offer", zap.String("offer_id", id), zap.Error(err))
		return err
	}
	return nil
}

// Deactivate soft-deactivates an offer regardless of remaining quantity.
// Administrative operation; reservation logic never calls it.
func (r *OfferRepository) Deactivate(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&db.Offer{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"status":     db.OfferStatusInactive,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		r.log.Error("Failed to deactivate offer", zap.String("offer_id", id), zap.Error(result.Error))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOfferNotFound
	}
	return nil
}

// lockForUpdate adds FOR UPDATE on dialects that support it. SQLite (used
// in tests) serializes writers on its own and rejects the clause.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
