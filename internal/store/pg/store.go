// Package pg is the Postgres home of campaigns, account status records and
// usage counters.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whatsapp-automation/dispatcher/internal/campaign"
	"github.com/whatsapp-automation/dispatcher/internal/domain"
	"github.com/whatsapp-automation/dispatcher/internal/session"
)

var ErrExists = errors.New("campaign already exists")

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store implements campaign.Store and session.AccountStore.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const messageColumns = `m.position, m.recipient, m.content, m.status, COALESCE(m.provider_message_id, ''),
	m.failure_code, m.failure_reason, m.sent_at, m.delivered_at, m.read_at`

func scanMessage(row pgx.Row) (campaign.Message, error) {
	var (
		m       campaign.Message
		content []byte
		status  string
	)
	err := row.Scan(&m.Position, &m.Recipient, &content, &status, &m.ProviderMessageID,
		&m.FailureCode, &m.FailureReason, &m.SentAt, &m.DeliveredAt, &m.ReadAt)
	if err != nil {
		return m, err
	}
	m.Status = campaign.MessageStatus(status)
	if err := json.Unmarshal(content, &m.Content); err != nil {
		return m, fmt.Errorf("message %d content: %w", m.Position, err)
	}
	return m, nil
}

func loadMessages(ctx context.Context, q querier, id string, lock bool) ([]campaign.Message, error) {
	sql := `SELECT ` + messageColumns + ` FROM campaign_messages m WHERE m.campaign_id = $1 ORDER BY m.position`
	if lock {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (campaign.Message, error) {
		return scanMessage(row)
	})
}

// CreateCampaign inserts a campaign and its messages, all pending.
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO campaigns (id, user_id, account_id, status, settings, total)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			c.ID, c.UserID, c.AccountID, string(campaign.StatusPending), settings, len(c.Messages))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrExists, c.ID)
		}

		rows := make([][]any, 0, len(c.Messages))
		for _, m := range c.Messages {
			content, err := json.Marshal(m.Content)
			if err != nil {
				return fmt.Errorf("message %d content: %w", m.Position, err)
			}
			rows = append(rows, []any{c.ID, m.Position, c.AccountID, m.Recipient, content, string(campaign.MessagePending)})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"campaign_messages"},
			[]string{"campaign_id", "position", "account_id", "recipient", "content", "status"},
			pgx.CopyFromRows(rows))
		return err
	})
}

func (s *Store) LoadCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var (
		c        campaign.Campaign
		status   string
		settings []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, account_id, status, settings, failure_reason,
	cancel_requested, started_at, completed_at, updated_at FROM campaigns WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.AccountID, &status, &settings, &c.FailureReason,
			&c.CancelRequested, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	c.Status = campaign.Status(status)
	if err := json.Unmarshal(settings, &c.Settings); err != nil {
		return nil, fmt.Errorf("campaign %s settings: %w", id, err)
	}

	c.Messages, err = loadMessages(ctx, s.pool, id, false)
	if err != nil {
		return nil, err
	}
	c.Recount()
	return &c, nil
}

// SaveCampaign writes the campaign row and every message. Acknowledgment
// progress stored meanwhile wins over the caller's copy, and the cancel
// flag is left as is.
func (s *Store) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return err
	}
	cp := c.Clone()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		stored, err := loadMessages(ctx, tx, cp.ID, true)
		if err != nil {
			return err
		}
		byPos := make(map[int]campaign.Message, len(stored))
		for _, m := range stored {
			byPos[m.Position] = m
		}
		for i := range cp.Messages {
			if prev, ok := byPos[cp.Messages[i].Position]; ok {
				campaign.MergeAcks(prev, &cp.Messages[i])
			}
		}
		cp.Recount()

		_, err = tx.Exec(ctx, `INSERT INTO campaigns (id, user_id, account_id, status, settings, total, sent, failed,
	delivered, read_count, failure_reason, started_at, completed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	settings = EXCLUDED.settings,
	total = EXCLUDED.total,
	sent = EXCLUDED.sent,
	failed = EXCLUDED.failed,
	delivered = EXCLUDED.delivered,
	read_count = EXCLUDED.read_count,
	failure_reason = EXCLUDED.failure_reason,
	started_at = EXCLUDED.started_at,
	completed_at = EXCLUDED.completed_at,
	updated_at = EXCLUDED.updated_at`,
			cp.ID, cp.UserID, cp.AccountID, string(cp.Status), settings, cp.Total, cp.Sent, cp.Failed,
			cp.Delivered, cp.Read, cp.FailureReason, cp.StartedAt, cp.CompletedAt, nowOr(cp.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert campaign: %w", err)
		}

		batch := &pgx.Batch{}
		for _, m := range cp.Messages {
			content, err := json.Marshal(m.Content)
			if err != nil {
				return fmt.Errorf("message %d content: %w", m.Position, err)
			}
			batch.Queue(`INSERT INTO campaign_messages (campaign_id, position, account_id, recipient, content, status,
	provider_message_id, failure_code, failure_reason, sent_at, delivered_at, read_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12)
ON CONFLICT (campaign_id, position) DO UPDATE SET
	recipient = EXCLUDED.recipient,
	content = EXCLUDED.content,
	status = EXCLUDED.status,
	provider_message_id = EXCLUDED.provider_message_id,
	failure_code = EXCLUDED.failure_code,
	failure_reason = EXCLUDED.failure_reason,
	sent_at = EXCLUDED.sent_at,
	delivered_at = EXCLUDED.delivered_at,
	read_at = EXCLUDED.read_at`,
				cp.ID, m.Position, cp.AccountID, m.Recipient, content, string(m.Status),
				m.ProviderMessageID, m.FailureCode, m.FailureReason, m.SentAt, m.DeliveredAt, m.ReadAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert messages: %w", err)
		}
		return nil
	})
}

func (s *Store) ListCampaignIDs(ctx context.Context, status campaign.Status) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM campaigns WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE campaigns SET cancel_requested = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM campaigns WHERE id = $1`, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	return v, err
}

func (s *Store) ApplyAck(ctx context.Context, accountID, providerID string, st domain.AckStatus, at time.Time) (campaign.AckUpdate, error) {
	var up campaign.AckUpdate
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT m.campaign_id, c.user_id, `+messageColumns+`
FROM campaign_messages m JOIN campaigns c ON c.id = m.campaign_id
WHERE m.account_id = $1 AND m.provider_message_id = $2
LIMIT 1
FOR UPDATE OF m`, accountID, providerID)
		if err != nil {
			return err
		}
		found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (campaign.AckUpdate, error) {
			var u campaign.AckUpdate
			var (
				content []byte
				status  string
			)
			m := &u.Message
			err := row.Scan(&u.CampaignID, &u.UserID, &m.Position, &m.Recipient, &content, &status,
				&m.ProviderMessageID, &m.FailureCode, &m.FailureReason, &m.SentAt, &m.DeliveredAt, &m.ReadAt)
			if err != nil {
				return u, err
			}
			m.Status = campaign.MessageStatus(status)
			return u, json.Unmarshal(content, &m.Content)
		})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return campaign.ErrNotFound
		}

		up = found[0]
		up.Changed = campaign.AdvanceAck(&up.Message, st, at)
		if !up.Changed {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE campaign_messages SET status = $3, delivered_at = $4, read_at = $5
WHERE campaign_id = $1 AND position = $2`,
			up.CampaignID, up.Message.Position, string(up.Message.Status), up.Message.DeliveredAt, up.Message.ReadAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE campaigns SET
	delivered = (SELECT count(*) FROM campaign_messages WHERE campaign_id = $1 AND status IN ('delivered', 'read')),
	read_count = (SELECT count(*) FROM campaign_messages WHERE campaign_id = $1 AND status = 'read'),
	updated_at = now()
WHERE id = $1`, up.CampaignID)
		return err
	})
	return up, err
}

func (s *Store) IncrementUsage(ctx context.Context, userID, counter string, delta int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO usage_counters (user_id, counter, value) VALUES ($1, $2, $3)
ON CONFLICT (user_id, counter) DO UPDATE SET value = usage_counters.value + EXCLUDED.value`, userID, counter, delta)
	return err
}

// Usage reads a counter; a missing counter is zero.
func (s *Store) Usage(ctx context.Context, userID, counter string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM usage_counters WHERE user_id = $1 AND counter = $2`, userID, counter).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *Store) SaveAccountStatus(ctx context.Context, st session.AccountStatus) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO accounts (account_id, user_id, state, phone, display_name, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (account_id) DO UPDATE SET
	user_id = EXCLUDED.user_id,
	state = EXCLUDED.state,
	phone = EXCLUDED.phone,
	display_name = EXCLUDED.display_name,
	last_error = EXCLUDED.last_error,
	updated_at = EXCLUDED.updated_at`,
		st.AccountID, st.UserID, string(st.State), st.Phone, st.DisplayName, st.LastError, nowOr(st.UpdatedAt))
	return err
}

func (s *Store) ListAccounts(ctx context.Context, state session.State) ([]session.AccountStatus, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id, user_id, state, phone, display_name, last_error, updated_at
FROM accounts WHERE $1 = '' OR state = $1 ORDER BY account_id`, string(state))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.AccountStatus, error) {
		var (
			a  session.AccountStatus
			st string
		)
		err := row.Scan(&a.AccountID, &a.UserID, &st, &a.Phone, &a.DisplayName, &a.LastError, &a.UpdatedAt)
		a.State = session.State(st)
		return a, err
	})
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
