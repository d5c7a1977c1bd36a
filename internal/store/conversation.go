package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/gwillem/wire-go/internal/model"
)

const conversationColumns = "id, domain, name, group_id, team_id, kind"

// SaveConversation stores or updates a conversation record. Members are
// kept.
func (s *Store) SaveConversation(c *model.Conversation) error {
	var teamID sql.NullString
	if c.TeamID != nil {
		teamID = sql.NullString{String: c.TeamID.String(), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO conversation (id, domain, name, group_id, team_id, kind)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id, domain) DO UPDATE SET
		   name = excluded.name, group_id = excluded.group_id,
		   team_id = excluded.team_id, kind = excluded.kind`,
		c.ID.ID.String(), c.ID.Domain, c.Name, c.GroupID, teamID, c.Kind.String(),
	)
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns the conversation with the given id, or nil if not
// found.
func (s *Store) GetConversation(id model.QualifiedID) (*model.Conversation, error) {
	row := s.db.QueryRow(
		"SELECT "+conversationColumns+" FROM conversation WHERE id = ? AND domain = ?",
		id.ID.String(), id.Domain,
	)
	c, err := scanConversation(row)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get conversation %s: %w", id, err)
	}
	return c, nil
}

// GetConversationByGroupID returns the conversation bound to an MLS group,
// or nil if none is.
func (s *Store) GetConversationByGroupID(groupID []byte) (*model.Conversation, error) {
	row := s.db.QueryRow(
		"SELECT "+conversationColumns+" FROM conversation WHERE group_id = ?", groupID,
	)
	c, err := scanConversation(row)
	if err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get conversation by group: %w", err)
	}
	return c, nil
}

// ListConversations returns all stored conversations ordered by name.
func (s *Store) ListConversations() ([]*model.Conversation, error) {
	rows, err := s.db.Query("SELECT " + conversationColumns + " FROM conversation ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ListConversationIDs returns the ids of all stored conversations.
func (s *Store) ListConversationIDs() ([]model.QualifiedID, error) {
	rows, err := s.db.Query("SELECT id, domain FROM conversation ORDER BY domain, id")
	if err != nil {
		return nil, fmt.Errorf("store: list conversation ids: %w", err)
	}
	defer rows.Close()

	var ids []model.QualifiedID
	for rows.Next() {
		var rawID, domain string
		if err := rows.Scan(&rawID, &domain); err != nil {
			return nil, fmt.Errorf("store: scan conversation id: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("store: parse conversation id %q: %w", rawID, err)
		}
		ids = append(ids, model.NewQualifiedID(id, domain))
	}
	return ids, rows.Err()
}

// DeleteConversation removes a conversation and all of its members.
func (s *Store) DeleteConversation(id model.QualifiedID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM conversation_member WHERE conv_id = ? AND conv_domain = ?",
		id.ID.String(), id.Domain,
	); err != nil {
		return fmt.Errorf("store: delete members of %s: %w", id, err)
	}
	if _, err := tx.Exec(
		"DELETE FROM conversation WHERE id = ? AND domain = ?",
		id.ID.String(), id.Domain,
	); err != nil {
		return fmt.Errorf("store: delete conversation %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		rawID, domain, kind string
		c                   model.Conversation
		teamID              sql.NullString
	)
	if err := row.Scan(&rawID, &domain, &c.Name, &c.GroupID, &teamID, &kind); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse id %q: %w", rawID, err)
	}
	c.ID = model.NewQualifiedID(id, domain)
	if c.Kind, err = model.ParseConversationKind(kind); err != nil {
		return nil, err
	}
	if teamID.Valid && teamID.String != "" {
		tid, err := uuid.Parse(teamID.String)
		if err != nil {
			return nil, fmt.Errorf("parse team id %q: %w", teamID.String, err)
		}
		t := model.TeamID(tid)
		c.TeamID = &t
	}
	if len(c.GroupID) == 0 {
		c.GroupID = nil
	}
	return &c, nil
}
