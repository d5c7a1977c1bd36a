package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/gwillem/wire-go/internal/model"
)

// SaveMembers upserts members in a single transaction. A member that already
// exists for the same conversation gets its role overwritten.
func (s *Store) SaveMembers(members []model.Member) error {
	if len(members) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO conversation_member (user_id, user_domain, conv_id, conv_domain, role)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, user_domain, conv_id, conv_domain) DO UPDATE SET role = excluded.role`,
	)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range members {
		if _, err := stmt.Exec(
			m.UserID.ID.String(), m.UserID.Domain,
			m.ConversationID.ID.String(), m.ConversationID.Domain,
			m.Role.String(),
		); err != nil {
			return fmt.Errorf("store: save member %s in %s: %w", m.UserID, m.ConversationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetMembers returns the members of a conversation.
func (s *Store) GetMembers(convID model.QualifiedID) ([]model.Member, error) {
	rows, err := s.db.Query(
		`SELECT user_id, user_domain, role FROM conversation_member
		 WHERE conv_id = ? AND conv_domain = ? ORDER BY user_domain, user_id`,
		convID.ID.String(), convID.Domain,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get members of %s: %w", convID, err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var rawID, domain, role string
		if err := rows.Scan(&rawID, &domain, &role); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("store: parse member id %q: %w", rawID, err)
		}
		members = append(members, model.Member{
			ConversationID: convID,
			UserID:         model.NewQualifiedID(id, domain),
			Role:           model.ParseRole(role),
		})
	}
	return members, rows.Err()
}

// DeleteMembers removes the given users from a conversation. Users that are
// not members are ignored.
func (s *Store) DeleteMembers(convID model.QualifiedID, users []model.QualifiedID) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`DELETE FROM conversation_member
		 WHERE user_id = ? AND user_domain = ? AND conv_id = ? AND conv_domain = ?`,
	)
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		if _, err := stmt.Exec(u.ID.String(), u.Domain, convID.ID.String(), convID.Domain); err != nil {
			return fmt.Errorf("store: delete member %s from %s: %w", u, convID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
