package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database name inside the models directory.
const FileName = "model_states.db"

// InitDB opens the SQLite database at path and creates the model_states table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// One writer at a time; every save replaces the full table.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS model_states (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'none',
		progress INTEGER NOT NULL DEFAULT 0,
		downloaded INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create model_states table: %w", err)
	}

	return db, nil
}
