package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ismail-bs/team-management-sub001/internal/domain"
	"github.com/ismail-bs/team-management-sub001/internal/repository"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

type ConversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

func (r *ConversationRepo) Create(ctx context.Context, conv *domain.Conversation, participants []domain.Participant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var directKey *string
	if conv.Kind == domain.KindDirect && len(participants) == 2 {
		key := domain.DirectKey(participants[0].UserID, participants[1].UserID)
		directKey = &key
	}

	query := `
		INSERT INTO conversations (id, kind, name, project_id, direct_key, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.Exec(ctx, query,
		conv.ID, conv.Kind, conv.Name, conv.ProjectID, directKey,
		conv.CreatedBy, conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		if directKey != nil && isUniqueViolation(err) {
			return repository.ErrDuplicateDirectKey
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, p := range participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, user_id, role, last_read_at, joined_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			conv.ID, p.UserID, p.Role, p.LastReadAt, p.JoinedAt,
		); err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *ConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	return r.scanConversation(ctx,
		"SELECT id, kind, name, project_id, created_by, created_at, updated_at FROM conversations WHERE id = $1", id)
}

func (r *ConversationRepo) GetDirectByKey(ctx context.Context, key string) (*domain.Conversation, error) {
	return r.scanConversation(ctx,
		"SELECT id, kind, name, project_id, created_by, created_at, updated_at FROM conversations WHERE direct_key = $1", key)
}

func (r *ConversationRepo) scanConversation(ctx context.Context, query string, arg any) (*domain.Conversation, error) {
	var c domain.Conversation
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&c.ID, &c.Kind, &c.Name, &c.ProjectID, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &c, err
}

func (r *ConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	query := `
		SELECT c.id, c.kind, c.name, c.project_id, c.created_by, c.created_at, c.updated_at,
			lm.id, lm.sender_id, lm.content, lm.created_at, lm.username, lm.display_name,
			(SELECT COUNT(*) FROM messages um
			 WHERE um.conversation_id = c.id AND um.deleted_at IS NULL
				AND um.sender_id <> $1 AND um.created_at > p.last_read_at) AS unread
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT m.id, m.sender_id, m.content, m.created_at, u.username, u.display_name
			FROM messages m
			JOIN users u ON m.sender_id = u.id
			WHERE m.conversation_id = c.id AND m.deleted_at IS NULL
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON true
		ORDER BY c.updated_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var lmID *int64
		var lmSender *uuid.UUID
		var lmContent, lmUsername, lmDisplayName *string
		var lmCreatedAt *time.Time
		if err := rows.Scan(
			&c.ID, &c.Kind, &c.Name, &c.ProjectID, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
			&lmID, &lmSender, &lmContent, &lmCreatedAt, &lmUsername, &lmDisplayName,
			&c.UnreadCount,
		); err != nil {
			return nil, err
		}
		if lmID != nil {
			c.LastMessage = &domain.Message{
				ID:                *lmID,
				ConversationID:    c.ID,
				SenderID:          *lmSender,
				Content:           *lmContent,
				CreatedAt:         *lmCreatedAt,
				SenderUsername:    *lmUsername,
				SenderDisplayName: *lmDisplayName,
			}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (r *ConversationRepo) Rename(ctx context.Context, id uuid.UUID, name string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET name = $1, updated_at = $2 WHERE id = $3`, name, time.Now(), id)
	return err
}

func (r *ConversationRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, at, id)
	return err
}

func (r *ConversationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM participants WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("deleting participants: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *ConversationRepo) AddParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO participants (conversation_id, user_id, role, last_read_at, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, p.ConversationID, p.UserID, p.Role, p.LastReadAt, p.JoinedAt)
	return err
}

func (r *ConversationRepo) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	return err
}

func (r *ConversationRepo) GetParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Participant, error) {
	query := `
		SELECT conversation_id, user_id, role, last_read_at, joined_at
		FROM participants
		WHERE conversation_id = $1 AND user_id = $2`
	var p domain.Participant
	err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(
		&p.ConversationID, &p.UserID, &p.Role, &p.LastReadAt, &p.JoinedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return &p, err
}

func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	query := `
		SELECT p.conversation_id, p.user_id, p.role, p.last_read_at, p.joined_at,
			u.username, u.display_name
		FROM participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.conversation_id = $1
		ORDER BY p.joined_at`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(
			&p.ConversationID, &p.UserID, &p.Role, &p.LastReadAt, &p.JoinedAt,
			&p.Username, &p.DisplayName,
		); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *ConversationRepo) SetLastRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	// GREATEST keeps the watermark monotonic under concurrent marks.
	_, err := r.pool.Exec(ctx,
		`UPDATE participants SET last_read_at = GREATEST(last_read_at, $1)
		 WHERE conversation_id = $2 AND user_id = $3`, at, conversationID, userID)
	return err
}
