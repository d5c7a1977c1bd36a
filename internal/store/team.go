package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/gwillem/wire-go/internal/model"
)

const lastCursorKey = "last_notification_id"

// SaveTeam records a team the app has joined.
func (s *Store) SaveTeam(id model.TeamID) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO team (id) VALUES (?)", id.String())
	if err != nil {
		return fmt.Errorf("store: save team %s: %w", id, err)
	}
	return nil
}

// ListTeams returns all teams the app has joined.
func (s *Store) ListTeams() ([]model.TeamID, error) {
	rows, err := s.db.Query("SELECT id FROM team ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list teams: %w", err)
	}
	defer rows.Close()

	var teams []model.TeamID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan team: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("store: parse team id %q: %w", raw, err)
		}
		teams = append(teams, model.TeamID(id))
	}
	return teams, rows.Err()
}

// LastCursor returns the id of the last processed notification, or "" if
// none was recorded yet.
func (s *Store) LastCursor() (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", lastCursorKey).Scan(&v)
	if err != nil {
		if notFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("store: load cursor: %w", err)
	}
	return v, nil
}

// SetLastCursor records the id of the last processed notification.
func (s *Store) SetLastCursor(cursor string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", lastCursorKey, cursor)
	if err != nil {
		return fmt.Errorf("store: save cursor: %w", err)
	}
	return nil
}
