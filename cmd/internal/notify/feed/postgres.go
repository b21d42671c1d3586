package feed

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"elaw/cmd/internal/ids"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is a Source backed by a notifications table. Changes are
// signalled with LISTEN/NOTIFY (payload: user id) and every signal re-reads
// the subscriber's window.
//
// Postgres does NOT own the pool; the caller closes it.
type Postgres struct {
	pool   *pgxpool.Pool
	log    *slog.Logger
	schema string
	limit  int
	now    func() time.Time
}

// PostgresOption configures Postgres.
type PostgresOption func(*Postgres) error

// WithSchema sets the schema holding the notifications table (default "elaw").
func WithSchema(schema string) PostgresOption {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if !isValidPGIdent(schema) {
			return fmt.Errorf("%w: invalid schema identifier %q", ErrConfig, schema)
		}
		p.schema = schema
		return nil
	}
}

// WithLimit sets the window size.
func WithLimit(n int) PostgresOption {
	return func(p *Postgres) error {
		if n <= 0 {
			return fmt.Errorf("%w: limit must be positive", ErrConfig)
		}
		p.limit = n
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(p *Postgres) error {
		if log != nil {
			p.log = log
		}
		return nil
	}
}

// NewPostgres constructs a Postgres source.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{
		pool:   pool,
		log:    slog.Default(),
		schema: "elaw",
		limit:  DefaultLimit,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	return p, nil
}

// ApplySchema creates the table, index and change trigger if missing.
func (p *Postgres) ApplySchema(ctx context.Context) error {
	r := strings.NewReplacer(
		"{{schema}}", pgx.Identifier{p.schema}.Sanitize(),
		"{{channel}}", p.channel(),
	)
	if _, err := p.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := p.pool.Exec(ctx, r.Replace(schemaSQL)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ch)
		p.listen(ctx, userID, ch)
	}()

	return ch, func() {
		cancel()
		wg.Wait()
	}
}

// listen follows the LISTEN connection until ctx ends. A failure is
// delivered as one error snapshot and ends the subscription.
func (p *Postgres) listen(ctx context.Context, userID string, ch chan Snapshot) {
	err := p.listenOnce(ctx, userID, ch)
	if ctx.Err() != nil {
		return
	}
	p.log.Warn("feed.postgres.listen.fail", "user_id", userID, "err", err)
	offer(ch, Snapshot{Err: err})
}

func (p *Postgres) listenOnce(ctx context.Context, userID string, ch chan Snapshot) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	channel := pgx.Identifier{p.channel()}.Sanitize()
	if _, err := conn.Exec(ctx, `LISTEN `+channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() {
		// A cancelled wait closes the connection; only a live one needs UNLISTEN.
		if conn.Conn().IsClosed() {
			return
		}
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(uctx, `UNLISTEN `+channel)
	}()

	recs, err := p.window(ctx, conn.Conn(), userID)
	if err != nil {
		return err
	}
	offer(ch, Snapshot{Records: recs})

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		if n.Payload != userID {
			continue
		}
		recs, err := p.window(ctx, conn.Conn(), userID)
		if err != nil {
			return err
		}
		offer(ch, Snapshot{Records: recs})
	}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *Postgres) window(ctx context.Context, q querier, userID string) ([]Record, error) {
	rows, err := q.Query(ctx,
		`SELECT id, user_id, title, message, type, read, data, created_at
		   FROM `+p.table()+`
		  WHERE user_id = $1
		  ORDER BY created_at DESC, id DESC
		  LIMIT $2`,
		userID, p.limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, p.limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.Message, &r.Type, &r.Read, &r.Data, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) MarkRead(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE `+p.table()+` SET read = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkReadBatch(ctx context.Context, list []string) error {
	list = dedupe(list)
	if len(list) == 0 {
		return nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, id := range list {
		batch.Queue(`UPDATE `+p.table()+` SET read = true WHERE id = $1`, id)
	}
	results := tx.SendBatch(ctx, batch)
	for range list {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return fmt.Errorf("mark read batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			_ = results.Close()
			return ErrNotFound
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Insert(ctx context.Context, rec Record) (Record, error) {
	rec.UserID = strings.TrimSpace(rec.UserID)
	if rec.UserID == "" {
		return Record{}, ErrInvalid
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = p.now().UTC()
	}
	if rec.ID == "" {
		id, err := ids.NewULID(rec.CreatedAt)
		if err != nil {
			return Record{}, err
		}
		rec.ID = id
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table()+` (id, user_id, title, message, type, read, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.UserID, rec.Title, rec.Message, rec.Type, rec.Read, rec.Data, rec.CreatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert notification: %w", err)
	}
	return rec, nil
}

func (p *Postgres) table() string {
	return pgx.Identifier{p.schema, "notifications"}.Sanitize()
}

// channel is unique per schema so isolated schemas do not wake each other.
func (p *Postgres) channel() string {
	return p.schema + "_notifications"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

