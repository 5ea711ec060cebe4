package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shaxa2505/fudly-bot-sub003/internal/booking"
	"github.com/shaxa2505/fudly-bot-sub003/internal/clock"
	"github.com/shaxa2505/fudly-bot-sub003/internal/db"
	"github.com/shaxa2505/fudly-bot-sub003/internal/events"
	"github.com/shaxa2505/fudly-bot-sub003/internal/lock"
	"github.com/shaxa2505/fudly-bot-sub003/internal/metrics"
	"github.com/shaxa2505/fudly-bot-sub003/internal/repo"
	"go.uber.org/zap"
)

// Locker gates each maintenance step so only one worker instance across
// the fleet runs it at a time.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool)
	Release(ctx context.Context, key, token string) error
}

// Config carries the worker cadence and the staleness timeouts.
type Config struct {
	Interval             time.Duration
	ReminderWindow       time.Duration
	PartnerReminderAfter time.Duration
	DeliveryTimeout      time.Duration
	ReadyTimeout         time.Duration
	PendingPickupTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ReminderWindow <= 0 {
		c.ReminderWindow = time.Hour
	}
	if c.PartnerReminderAfter <= 0 {
		c.PartnerReminderAfter = 30 * time.Minute
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 120 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Hour
	}
	if c.PendingPickupTimeout <= 0 {
		c.PendingPickupTimeout = 60 * time.Minute
	}
}

// Worker runs the periodic expiry and reminder cycle. Each step is
// fault-isolated: one failing step or candidate row is logged and the
// cycle moves on, since every predicate re-selects unfinished rows on
// the next pass anyway.
type Worker struct {
	service  *booking.Service
	bookings *repo.BookingRepository
	notifier events.Notifier
	locker   Locker
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config
}

// New creates the maintenance worker
func New(service *booking.Service, bookings *repo.BookingRepository, notifier events.Notifier, locker Locker, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		service:  service,
		bookings: bookings,
		notifier: notifier,
		locker:   locker,
		clock:    clk,
		metrics:  m,
		log:      logger,
		cfg:      cfg,
	}
}

// Start runs cycles on the configured interval until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Info("Maintenance worker started", zap.Duration("interval", w.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Maintenance worker stopped")
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle executes the six maintenance steps in order.
func (w *Worker) RunCycle(ctx context.Context) {
	start := time.Now()

	w.runStep(ctx, "pickup_reminders", w.sendPickupReminders)
	w.runStep(ctx, "partner_reminders", w.sendPartnerReminders)
	w.runStep(ctx, "expired_pickups", w.expirePickups)
	w.runStep(ctx, "stale_deliveries", w.cancelStaleDeliveries)
	w.runStep(ctx, "stale_ready", w.expireStaleReady)
	w.runStep(ctx, "stale_pending_pickups", w.expireStalePendingPickups)

	w.metrics.CycleDuration.Observe(time.Since(start).Seconds())
}

// runStep acquires the step's distributed lock, runs fn and releases the
// lock. The TTL covers a worst-case cycle plus margin so a crashed
// holder cannot wedge the step for longer than that.
func (w *Worker) runStep(ctx context.Context, name string, fn func(ctx context.Context) error) {
	key := lock.Key(name)
	ttl := w.cfg.Interval + time.Minute

	token, ok := w.locker.Acquire(ctx, key, ttl)
	if !ok {
		w.metrics.LockAcquireSkips.Inc()
		w.log.Debug("Step skipped, lock held elsewhere", zap.String("step", name))
		return
	}
	defer func() {
		if err := w.locker.Release(ctx, key, token); err != nil {
			w.log.Warn("Failed to release step lock", zap.String("step", name), zap.Error(err))
		}
	}()

	if err := fn(ctx); err != nil {
		w.log.Error("Maintenance step failed", zap.String("step", name), zap.Error(err))
	}
}

// sendPickupReminders nudges customers whose pending pickup expires
// within the reminder window. The flag is set regardless of delivery
// success to avoid reminder storms against a flaky channel.
func (w *Worker) sendPickupReminders(ctx context.Context) error {
	now := w.clock.Now()
	candidates, err := w.bookings.ListExpiring(ctx, now, w.cfg.ReminderWindow)
	if err != nil {
		return err
	}

	for _, b := range candidates {
		w.notify(ctx, b.UserID, fmt.Sprintf(
			"Reminder: your booking %s expires at %s. Don't forget to pick it up!",
			b.BookingCode, b.ExpiryTime.Format("15:04"),
		))
		if err := w.bookings.MarkReminderSent(ctx, b.ID); err != nil {
			w.log.Error("Failed to mark reminder sent", zap.String("booking_id", b.ID), zap.Error(err))
			continue
		}
		w.metrics.RemindersSent.Inc()
	}
	return nil
}

// sendPartnerReminders nudges sellers about bookings they have left
// pending for too long. One nudge per booking.
func (w *Worker) sendPartnerReminders(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-w.cfg.PartnerReminderAfter)
	candidates, err := w.bookings.ListPendingWithoutPartnerReminder(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, b := range candidates {
		offer, err := w.service.GetOffer(ctx, b.OfferID)
		if err != nil {
			w.log.Error("Failed to resolve offer for partner reminder",
				zap.String("booking_id", b.ID),
				zap.String("offer_id", b.OfferID),
				zap.Error(err),
			)
			continue
		}
		w.notify(ctx, offer.StoreID, fmt.Sprintf(
			"Booking %s has been waiting for confirmation for over %s.",
			b.BookingCode, w.cfg.PartnerReminderAfter,
		))
		if err := w.bookings.MarkPartnerReminderSent(ctx, b.ID); err != nil {
			w.log.Error("Failed to mark partner reminder sent", zap.String("booking_id", b.ID), zap.Error(err))
			continue
		}
		w.metrics.RemindersSent.Inc()
	}
	return nil
}

// expirePickups releases pickup bookings past their expiry time.
func (w *Worker) expirePickups(ctx context.Context) error {
	candidates, err := w.bookings.ListExpired(ctx, w.clock.Now())
	if err != nil {
		return err
	}
	return w.expireAll(ctx, candidates, "Your booking %s has expired and was released.")
}

// cancelStaleDeliveries cancels delivery orders nobody processed in time.
func (w *Worker) cancelStaleDeliveries(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-w.cfg.DeliveryTimeout)
	candidates, err := w.bookings.ListPendingOlderThan(ctx, cutoff, db.DeliveryOptionDelivery)
	if err != nil {
		return err
	}

	for _, b := range candidates {
		changed, err := w.service.Cancel(ctx, b.ID)
		if err != nil {
			w.log.Error("Failed to cancel stale delivery order", zap.String("booking_id", b.ID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		w.metrics.BookingsCancelled.Inc()
		w.notify(ctx, b.UserID, fmt.Sprintf(
			"Your order %s was cancelled because it was not processed in time.", b.BookingCode,
		))
	}
	return nil
}

// expireStaleReady releases bookings stuck in ready past the timeout.
func (w *Worker) expireStaleReady(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-w.cfg.ReadyTimeout)
	candidates, err := w.bookings.ListReadyOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	return w.expireAll(ctx, candidates, "Your booking %s was never picked up and has been released.")
}

// expireStalePendingPickups releases pickup bookings never confirmed by
// the seller within the timeout.
func (w *Worker) expireStalePendingPickups(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-w.cfg.PendingPickupTimeout)
	candidates, err := w.bookings.ListPendingOlderThan(ctx, cutoff, db.DeliveryOptionPickup)
	if err != nil {
		return err
	}
	return w.expireAll(ctx, candidates, "Your booking %s expired without confirmation and was released.")
}

// expireAll restores every candidate through the idempotent expire path.
// Per-row failures are logged and skipped; the same predicate re-selects
// the row next cycle, so nothing is lost, only delayed.
func (w *Worker) expireAll(ctx context.Context, candidates []*db.Booking, msgFormat string) error {
	for _, b := range candidates {
		changed, err := w.service.Expire(ctx, b.ID)
		if err != nil {
			w.log.Error("Failed to expire booking", zap.String("booking_id", b.ID), zap.Error(err))
			continue
		}
		if !changed {
			// Lost a race with a manual cancel or another instance.
			continue
		}
		w.metrics.BookingsExpired.Inc()
		w.notify(ctx, b.UserID, fmt.Sprintf(msgFormat, b.BookingCode))
	}
	return nil
}

// notify sends one message and swallows the error. Notification failures
// must never block or reverse a reservation decision.
func (w *Worker) notify(ctx context.Context, recipientID, text string) {
	if err := w.notifier.SendMessage(ctx, recipientID, text); err != nil {
		w.log.Warn("Notification failed",
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
	}
}
