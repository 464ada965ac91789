package pg

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"notifyd/internal/domain"
	"notifyd/internal/store"
)

// Store persists each entity as a JSONB document plus the scalar columns the
// engine queries on (see schema.sql). JSON round-trip keeps metadata,
// settings, content and preferences lossless.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) InsertTemplate(ctx context.Context, t *domain.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO templates (id, tenant_id, name, event_type, status, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, t.ID, t.TenantID, t.Name, t.EventType, string(t.Status), doc, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) UpdateTemplate(ctx context.Context, t *domain.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE templates SET name=$3, event_type=$4, status=$5, doc=$6, updated_at=$7
		WHERE id=$1 AND tenant_id=$2
	`, t.ID, t.TenantID, t.Name, t.EventType, string(t.Status), doc, t.UpdatedAt)
	return err
}

func (s *Store) GetTemplate(ctx context.Context, tenantID, id string) (*domain.Template, bool, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, `
		SELECT doc FROM templates WHERE id=$1 AND tenant_id=$2
	`, id, tenantID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var t domain.Template
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func (s *Store) InsertDelivery(ctx context.Context, d *domain.Delivery) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO deliveries (id, tenant_id, template_id, channel, status, priority,
			tracking_id, provider_msg_id, next_retry_at, expires_at, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	`, d.ID, d.TenantID, d.TemplateID, string(d.Channel), string(d.Status), d.Priority.Score(),
		d.Metadata.TrackingID, nullIfEmpty(d.Metadata.ProviderMessageID), d.NextRetryAt, d.ExpiresAt, doc, d.QueuedAt)
	return err
}

func (s *Store) UpdateDelivery(ctx context.Context, d *domain.Delivery) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE deliveries SET status=$2, provider_msg_id=$3, next_retry_at=$4, doc=$5, updated_at=now()
		WHERE id=$1
	`, d.ID, string(d.Status), nullIfEmpty(d.Metadata.ProviderMessageID), d.NextRetryAt, doc)
	return err
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*domain.Delivery, bool, error) {
	return s.scanDelivery(ctx, `SELECT doc FROM deliveries WHERE id=$1`, id)
}

func (s *Store) FindDeliveryByTracking(ctx context.Context, trackingID string) (*domain.Delivery, bool, error) {
	return s.scanDelivery(ctx, `SELECT doc FROM deliveries WHERE tracking_id=$1`, trackingID)
}

func (s *Store) FindDeliveryByProviderMsgID(ctx context.Context, providerMsgID string) (*domain.Delivery, bool, error) {
	return s.scanDelivery(ctx, `SELECT doc FROM deliveries WHERE provider_msg_id=$1`, providerMsgID)
}

func (s *Store) scanDelivery(ctx context.Context, q string, args ...any) (*domain.Delivery, bool, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, q, args...).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var d domain.Delivery
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

// ListRetryCandidates selects FAILED deliveries whose retry is due and not
// exhausted. Expiry is re-checked by the scheduler on the full record.
func (s *Store) ListRetryCandidates(ctx context.Context, now time.Time, limit int) ([]store.RetryCandidate, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, channel FROM deliveries
		WHERE status='failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.RetryCandidate
	for rows.Next() {
		var c store.RetryCandidate
		var ch string
		if err := rows.Scan(&c.ID, &ch); err != nil {
			return nil, err
		}
		c.Channel = domain.Channel(ch)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeliveryStats(ctx context.Context, f store.StatsFilter) (store.DeliveryStats, error) {
	q := `
		SELECT channel, status, count(*), COALESCE(sum((doc->>'cost')::float8), 0)
		FROM deliveries WHERE tenant_id=$1`
	args := []any{f.TenantID}
	if f.TemplateID != "" {
		args = append(args, f.TemplateID)
		q += ` AND template_id=$2`
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		q += ` AND created_at >= $` + itoa(len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		q += ` AND created_at < $` + itoa(len(args))
	}
	q += ` GROUP BY channel, status`

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return store.DeliveryStats{}, err
	}
	defer rows.Close()

	out := store.DeliveryStats{
		ByStatus:  make(map[domain.DeliveryStatus]int64),
		ByChannel: make(map[domain.Channel]int64),
	}
	for rows.Next() {
		var ch, st string
		var n int64
		var cost float64
		if err := rows.Scan(&ch, &st, &n, &cost); err != nil {
			return store.DeliveryStats{}, err
		}
		out.Total += n
		out.ByStatus[domain.DeliveryStatus(st)] += n
		out.ByChannel[domain.Channel(ch)] += n
		out.TotalCost += cost
	}
	return out, rows.Err()
}

func (s *Store) GetPreference(ctx context.Context, tenantID, userID string) (*domain.Preference, bool, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, `
		SELECT doc FROM preferences WHERE tenant_id=$1 AND user_id=$2
	`, tenantID, userID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var p domain.Preference
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (s *Store) UpsertPreference(ctx context.Context, p *domain.Preference) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO preferences (id, tenant_id, user_id, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at
	`, p.ID, p.TenantID, p.UserID, doc, p.CreatedAt, p.UpdatedAt)
	return err
}

// IncrementWindowCount bumps one send-budget window counter (daily caps,
// per-template rate limits). An over-limit bump is refunded in the same
// transaction so a rejected send never consumes budget.
func (s *Store) IncrementWindowCount(ctx context.Context, key string, window time.Time, limit int) (allowed bool, count int, err error) {
	w := window.UTC()
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO send_windows (key, window_start, count, updated_at)
		VALUES ($1,$2,1,now())
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = send_windows.count + 1, updated_at=now()
		RETURNING count
	`, key, w)
	if err := row.Scan(&count); err != nil {
		return false, 0, err
	}

	if count > limit {
		_, _ = tx.Exec(ctx, `
			UPDATE send_windows SET count = count - 1, updated_at=now()
			WHERE key=$1 AND window_start=$2
		`, key, w)
		if err := tx.Commit(ctx); err != nil {
			return false, 0, err
		}
		return false, count - 1, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, count, nil
}

func (s *Store) InsertEvent(ctx context.Context, e *domain.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO events (id, tenant_id, type, category, severity, dedup_key, expires_at, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.TenantID, string(e.Type), string(e.Category), string(e.Severity), e.DedupKey(), e.ExpiresAt, doc, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *Store) UpdateEvent(ctx context.Context, e *domain.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE events SET doc=$2, updated_at=$3 WHERE id=$1
	`, e.ID, doc, e.UpdatedAt)
	return err
}

func (s *Store) GetEvent(ctx context.Context, id string) (*domain.Event, bool, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, `SELECT doc FROM events WHERE id=$1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var e domain.Event
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

// FindEventByDedup returns the most recent matching event created after
// `since`, for occurrence aggregation.
func (s *Store) FindEventByDedup(ctx context.Context, tenantID, dedupKey string, since time.Time) (*domain.Event, bool, error) {
	var doc []byte
	err := s.DB.QueryRow(ctx, `
		SELECT doc FROM events
		WHERE tenant_id=$1 AND dedup_key=$2 AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, dedupKey, since).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var e domain.Event
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }
