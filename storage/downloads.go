package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveDownload records the outcome of one file transfer, replacing any earlier row for the same file.
func (s *Store) SaveDownload(download Download) error {
	if download.FileID == "" {
		return errors.New("file_id is required")
	}
	if download.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if download.Filename == "" {
		return errors.New("filename is required")
	}
	if err := validateDownloadStatus(download.TransferStatus); err != nil {
		return err
	}
	if download.TimestampReceived == 0 {
		download.TimestampReceived = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO downloads (
			file_id,
			peer_id,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			transfer_status,
			timestamp_received
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id, file_id) DO UPDATE SET
			filename = excluded.filename,
			filesize = excluded.filesize,
			filetype = excluded.filetype,
			stored_path = excluded.stored_path,
			checksum = excluded.checksum,
			transfer_status = excluded.transfer_status,
			timestamp_received = excluded.timestamp_received`,
		download.FileID,
		download.PeerID,
		download.Filename,
		download.Filesize,
		nullString(download.Filetype),
		download.StoredPath,
		download.Checksum,
		download.TransferStatus,
		download.TimestampReceived,
	)
	if err != nil {
		return fmt.Errorf("save download %q: %w", download.FileID, err)
	}

	return nil
}

// GetDownload fetches one download by peer and file ID.
func (s *Store) GetDownload(peerID, fileID string) (*Download, error) {
	row := s.db.QueryRow(
		`SELECT
			file_id,
			peer_id,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			transfer_status,
			timestamp_received
		FROM downloads
		WHERE peer_id = ? AND file_id = ?`,
		peerID,
		fileID,
	)

	download, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get download %q: %w", fileID, err)
	}

	return download, nil
}

// ListDownloads returns the most recent downloads first.
func (s *Store) ListDownloads(limit, offset int) ([]Download, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			file_id,
			peer_id,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			transfer_status,
			timestamp_received
		FROM downloads
		ORDER BY timestamp_received DESC, file_id
		LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	downloads := make([]Download, 0)
	for rows.Next() {
		download, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download row: %w", err)
		}
		downloads = append(downloads, *download)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate download rows: %w", err)
	}

	return downloads, nil
}

func scanDownload(row scanner) (*Download, error) {
	var (
		download Download
		fileType sql.NullString
	)

	if err := row.Scan(
		&download.FileID,
		&download.PeerID,
		&download.Filename,
		&download.Filesize,
		&fileType,
		&download.StoredPath,
		&download.Checksum,
		&download.TransferStatus,
		&download.TimestampReceived,
	); err != nil {
		return nil, err
	}

	if fileType.Valid {
		download.Filetype = fileType.String
	}
	return &download, nil
}
