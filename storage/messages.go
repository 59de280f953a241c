package storage

import (
	"errors"
	"fmt"
)

// SaveMessage inserts a new chat line.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if message.Content == "" {
		return errors.New("content is required")
	}
	if err := validateSender(message.Sender); err != nil {
		return err
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			peer_id,
			sender,
			content,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		message.MessageID,
		message.PeerID,
		message.Sender,
		message.Content,
		message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// ListMessages returns chat lines exchanged with one peer in timestamp order.
func (s *Store) ListMessages(peerID string, limit, offset int) ([]Message, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			peer_id,
			sender,
			content,
			timestamp
		FROM messages
		WHERE peer_id = ?
		ORDER BY timestamp ASC, rowid ASC
		LIMIT ? OFFSET ?`,
		peerID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for peer %q: %w", peerID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var message Message
		if err := rows.Scan(
			&message.MessageID,
			&message.PeerID,
			&message.Sender,
			&message.Content,
			&message.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}
