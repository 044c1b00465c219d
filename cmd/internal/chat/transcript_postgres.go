package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "educhat/shared/contracts/chat/v1"
)

// PostgresTranscript is a Transcript backed by PostgreSQL.
//
// Ownership model:
// - PostgresTranscript does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Ordering is by an identity column, so Load returns arrival order even when
// creation timestamps from the backend are missing or unparseable.
type PostgresTranscript struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresTranscript behavior.
type PostgresOption func(*PostgresTranscript) error

// WithSchema sets the DB schema used by this store (default: "educhat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresTranscript) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresTranscript constructs a Postgres-backed Transcript.
func NewPostgresTranscript(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresTranscript, error) {
	st := &PostgresTranscript{
		pool:   pool,
		schema: "educhat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresTranscript) Close() error { return nil }

// EnsureSchema creates the schema and table when missing.
func (s *PostgresTranscript) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "transcript_messages")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  seq            BIGINT GENERATED ALWAYS AS IDENTITY,
  channel_id     TEXT NOT NULL,
  message_id     TEXT NOT NULL,
  chat_id        TEXT NOT NULL DEFAULT '',
  content        TEXT NOT NULL DEFAULT '',
  creation_time  TEXT NOT NULL DEFAULT '',
  creator_name   TEXT NOT NULL DEFAULT '',
  image_url      TEXT NOT NULL DEFAULT '',
  has_attachment BOOLEAN NOT NULL DEFAULT false,
  attachment     JSONB,
  recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (channel_id, message_id)
);

CREATE INDEX IF NOT EXISTS transcript_messages_channel_seq_idx ON %s (channel_id, seq);
`, pgx.Identifier{s.schema}.Sanitize(), messages, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure transcript schema: %w", err)
	}
	return nil
}

// Record inserts m; a second insert of the same (channel, id) is ignored.
func (s *PostgresTranscript) Record(ctx context.Context, channelID string, m v1.Message) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil transcript")
	}
	if channelID == "" || m.ID.IsZero() {
		return false, errors.New("chat: invalid transcript input")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var attachment []byte
	if m.Attachment != nil {
		b, err := json.Marshal(m.Attachment)
		if err != nil {
			return false, fmt.Errorf("encode attachment: %w", err)
		}
		attachment = b
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "transcript_messages")+` (
		     channel_id, message_id, chat_id, content, creation_time, creator_name,
		     image_url, has_attachment, attachment
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (channel_id, message_id) DO NOTHING`,
		channelID, m.ID.String(), m.ChatID.String(), m.Content, m.CreationTime, m.CreatorName,
		m.ImageURL, m.HasAttachment, attachment,
	)
	if err != nil {
		return false, fmt.Errorf("insert transcript message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Load returns up to limit of the newest messages for channelID, oldest first.
func (s *PostgresTranscript) Load(ctx context.Context, channelID string, limit int) ([]v1.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil transcript")
	}
	if channelID == "" {
		return nil, errors.New("chat: missing channel id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLoad(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, chat_id, content, creation_time, creator_name, image_url, has_attachment, attachment
		   FROM (
		     SELECT * FROM `+pgIdent(s.schema, "transcript_messages")+`
		      WHERE channel_id = $1
		      ORDER BY seq DESC
		      LIMIT $2
		   ) newest
		  ORDER BY seq ASC`,
		channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]v1.Message, 0, limit)
	for rows.Next() {
		var (
			m          v1.Message
			id, chatID string
			attachment []byte
		)
		if err := rows.Scan(&id, &chatID, &m.Content, &m.CreationTime, &m.CreatorName, &m.ImageURL, &m.HasAttachment, &attachment); err != nil {
			return nil, err
		}
		m.ID = v1.ID(id)
		m.ChatID = v1.ID(chatID)
		if len(attachment) > 0 {
			var a v1.Attachment
			if err := json.Unmarshal(attachment, &a); err != nil {
				return nil, fmt.Errorf("decode attachment for %s: %w", id, err)
			}
			m.Attachment = &a
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
