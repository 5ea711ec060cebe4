package db

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(&Offer{}, &Booking{}); err != nil {
		return err
	}

	return createIndexes(db)
}

func createIndexes(db *DB) error {
	// Partial indexes backing the worker's candidate scans. AutoMigrate
	// cannot express predicates, so these are raw PostgreSQL.
	if db.Dialector.Name() != "postgres" {
		return nil
	}

	indexes := []string{
		// Non-terminal bookings with an expiry, scanned every cycle
		`CREATE INDEX IF NOT EXISTS idx_bookings_open_expiry ON bookings(expiry_time)
			WHERE status IN ('pending', 'confirmed', 'ready')`,

		// Pending bookings awaiting a partner reminder
		`CREATE INDEX IF NOT EXISTS idx_bookings_pending_partner ON bookings(created_at)
			WHERE status = 'pending' AND partner_reminder_sent = false`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}
