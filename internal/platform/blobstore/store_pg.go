package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caremar/caremar/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type storePG struct {
	pool *pgxpool.Pool
}

// NewStore returns the Postgres-backed BlobStore. Content lives in a BYTEA
// column next to the metadata; signature images and screenshots are small
// enough that streaming storage is not worth a second system.
func NewStore(pool *pgxpool.Pool) BlobStore {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const blobCols = `id, file_name, content_type, size, category, hash, uploaded_by, created_at`

func scanBlob(row pgx.Row) (*BlobMetadata, error) {
	var m BlobMetadata
	err := row.Scan(
		&m.ID, &m.FileName, &m.ContentType, &m.Size, &m.Category,
		&m.Hash, &m.UploadedBy, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *storePG) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if !AllowedCategories[meta.Category] {
		return nil, ErrInvalidCategory
	}
	if !AllowedContentTypes[meta.ContentType] {
		return nil, ErrInvalidContentType
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)

	meta.ID = uuid.New()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()

	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO blobs (id, file_name, content_type, size, category, hash, uploaded_by, content, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		meta.ID, meta.FileName, meta.ContentType, meta.Size, string(meta.Category),
		meta.Hash, meta.UploadedBy, data, meta.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	out := meta
	return &out, nil
}

func (s *storePG) Download(ctx context.Context, id uuid.UUID) (io.ReadCloser, *BlobMetadata, error) {
	var (
		m       BlobMetadata
		content []byte
	)
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT `+blobCols+`, content FROM blobs WHERE id = $1`, id).Scan(
		&m.ID, &m.FileName, &m.ContentType, &m.Size, &m.Category,
		&m.Hash, &m.UploadedBy, &m.CreatedAt, &content,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), &m, nil
}

func (s *storePG) GetMetadata(ctx context.Context, id uuid.UUID) (*BlobMetadata, error) {
	m, err := scanBlob(s.conn(ctx).QueryRow(ctx, `SELECT `+blobCols+` FROM blobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBlobNotFound
	}
	return m, err
}

func (s *storePG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

func (s *storePG) ListByUploader(ctx context.Context, uploadedBy uuid.UUID, category Category, limit, offset int) ([]*BlobMetadata, int, error) {
	var total int
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM blobs
		WHERE uploaded_by = $1 AND ($2 = '' OR category = $2)`,
		uploadedBy, string(category)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+blobCols+` FROM blobs
		WHERE uploaded_by = $1 AND ($2 = '' OR category = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		uploadedBy, string(category), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var blobs []*BlobMetadata
	for rows.Next() {
		m, err := scanBlob(rows)
		if err != nil {
			return nil, 0, err
		}
		blobs = append(blobs, m)
	}
	return blobs, total, rows.Err()
}
