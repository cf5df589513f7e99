package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Trigger events table - one row per fired trigger
		`CREATE TABLE IF NOT EXISTS trigger_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('start', 'stop', 'action')),
			fired_at DATETIME NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Settings table - stores application settings as key-value pairs
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_trigger_events_fired_at ON trigger_events(fired_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_events_kind ON trigger_events(kind)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
