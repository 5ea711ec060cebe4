package db

import (
	"time"

	"gorm.io/gorm"
)

// Offer statuses. An offer whose quantity reaches zero is flipped to
// inactive by the ledger; it is never deleted.
const (
	OfferStatusActive   = "active"
	OfferStatusInactive = "inactive"
)

// Booking statuses. Completed, cancelled and expired are terminal:
// once a booking reaches one of them its quantity has been resolved
// and must never be touched again.
const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusReady     = "ready"
	BookingStatusCompleted = "completed"
	BookingStatusCancelled = "cancelled"
	BookingStatusExpired   = "expired"
)

// Delivery options for a booking.
const (
	DeliveryOptionPickup   = "pickup"
	DeliveryOptionDelivery = "delivery"
)

// Offer represents a finite batch of goods a store is selling
type Offer struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	StoreID   string    `gorm:"type:varchar(36);not null;index:idx_offers_store" json:"store_id"`
	Quantity  int       `gorm:"not null;check:quantity >= 0" json:"quantity"`
	Status    string    `gorm:"type:varchar(16);not null;default:'active';index:idx_offers_status" json:"status"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Offer model
func (Offer) TableName() string {
	return "offers"
}

// Booking represents one customer's claim on quantity units of an offer
type Booking struct {
	ID                  string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OfferID             string     `gorm:"type:varchar(36);not null;index:idx_bookings_offer" json:"offer_id"`
	UserID              string     `gorm:"type:varchar(36);not null;index:idx_bookings_user" json:"user_id"`
	Quantity            int        `gorm:"not null;check:quantity > 0" json:"quantity"`
	Status              string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_bookings_status" json:"status"`
	BookingCode         string     `gorm:"type:varchar(6);not null;uniqueIndex:idx_bookings_code" json:"booking_code"`
	DeliveryOption      string     `gorm:"type:varchar(16);not null;default:'pickup'" json:"delivery_option"`
	ExpiryTime          *time.Time `gorm:"index:idx_bookings_expiry" json:"expiry_time,omitempty"`
	ReminderSent        bool       `gorm:"not null;default:false" json:"reminder_sent"`
	PartnerReminderSent bool       `gorm:"not null;default:false" json:"partner_reminder_sent"`
	CreatedAt           time.Time  `gorm:"not null;index:idx_bookings_created_at" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"not null" json:"updated_at"`
}

// TableName specifies the table name for Booking model
func (Booking) TableName() string {
	return "bookings"
}

// IsTerminal reports whether the booking status permits no further transitions.
func (b *Booking) IsTerminal() bool {
	return IsTerminalStatus(b.Status)
}

// IsTerminalStatus reports whether status is one of the terminal booking states.
func IsTerminalStatus(status string) bool {
	switch status {
	case BookingStatusCompleted, BookingStatusCancelled, BookingStatusExpired:
		return true
	}
	return false
}

// BeforeCreate hook to set timestamps
func (b *Booking) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate hook to update timestamp
func (b *Booking) BeforeUpdate(tx *gorm.DB) error {
	b.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook to set timestamps
func (o *Offer) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	if o.Status == "" {
		o.Status = OfferStatusActive
	}
	return nil
}
