package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/tipledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при конфликте сериализации, взаимной блокировке и обрыве соединения.
// ApplyTip через него не вызывается: внешний перевод не должен отправляться повторно.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == "identities_username_key" {
			return ErrUsernameTaken
		}
	case pgerrcode.CheckViolation, pgerrcode.NumericValueOutOfRange:
		return model.ErrAmountOverflow
	}
	return err
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStats(row rowScanner) (model.Principal, model.UserStats, error) {
	var (
		principal                     string
		sent, received, rewardsPoints string
		stats                         model.UserStats
	)
	if err := row.Scan(&principal, &sent, &received, &rewardsPoints); err != nil {
		return "", model.UserStats{}, err
	}

	var err error
	if stats.TotalSent, err = model.ParseAmount(sent); err != nil {
		return "", model.UserStats{}, fmt.Errorf("parse total_sent: %w", err)
	}
	if stats.TotalReceived, err = model.ParseAmount(received); err != nil {
		return "", model.UserStats{}, fmt.Errorf("parse total_received: %w", err)
	}
	if stats.RewardPoints, err = model.ParseAmount(rewardsPoints); err != nil {
		return "", model.UserStats{}, fmt.Errorf("parse reward_points: %w", err)
	}
	return model.Principal(principal), stats, nil
}

const selectStats = `SELECT principal, total_sent::text, total_received::text, reward_points::text FROM user_stats`

// GetStats возвращает статистику пользователя или нулевую запись.
func (r *PostgresRepository) GetStats(ctx context.Context, p model.Principal) (model.UserStats, error) {
	var stats model.UserStats
	err := r.withRetry(ctx, func() error {
		var err error
		_, stats, err = scanStats(r.pool.QueryRow(ctx, selectStats+` WHERE principal = $1`, string(p)))
		if errors.Is(err, pgx.ErrNoRows) {
			stats = model.UserStats{}
			return nil
		}
		return err
	})
	if err != nil {
		return model.UserStats{}, fmt.Errorf("get stats: %w", err)
	}
	return stats, nil
}

// ApplyTip обновляет статистику обеих сторон и сохраняет перевод. Строки блокируются
// в порядке COLLATE "C", transfer вызывается под блокировкой перед фиксацией.
func (r *PostgresRepository) ApplyTip(ctx context.Context, tip model.Tip, transfer TransferFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ordered := canonicalOrder(tip.Sender, tip.Recipient)
	keys := make([]string, 0, len(ordered))
	for _, p := range ordered {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_stats (principal) VALUES ($1) ON CONFLICT (principal) DO NOTHING`,
			string(p),
		); err != nil {
			return fmt.Errorf("ensure stats row: %w", err)
		}
		keys = append(keys, string(p))
	}

	rows, err := tx.Query(ctx,
		selectStats+` WHERE principal = ANY($1) ORDER BY principal COLLATE "C" FOR UPDATE`,
		keys,
	)
	if err != nil {
		return fmt.Errorf("lock stats: %w", err)
	}

	current := make(map[model.Principal]model.UserStats, len(keys))
	for rows.Next() {
		p, stats, err := scanStats(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan stats: %w", err)
		}
		current[p] = stats
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	sender, recipient, err := tipDeltas(current[tip.Sender], current[tip.Recipient], tip)
	if err != nil {
		return fmt.Errorf("apply tip: %w", err)
	}

	if err := r.putStats(ctx, tx, tip.Sender, sender); err != nil {
		return err
	}
	if err := r.putStats(ctx, tx, tip.Recipient, recipient); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tips (id, sender, recipient, amount, fee, net, token_type, reward_points, created_at)
		 VALUES ($1::text::uuid, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7, $8::text::numeric, $9)`,
		tip.ID.String(), string(tip.Sender), string(tip.Recipient),
		tip.Amount.Dec(), tip.Fee.Dec(), tip.Net.Dec(), tip.TokenType, tip.RewardPoints.Dec(), tip.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tip: %w", mapConstraintError(err))
	}

	// Блокировки строк и соединение пула удерживаются на время внешнего перевода
	// (до таймаута клиента реестра). Параллельных переводов не больше, чем
	// соединений в пуле; остальные ждут свободного соединения.
	if err := transfer(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}

	return nil
}

func (r *PostgresRepository) putStats(ctx context.Context, tx pgx.Tx, p model.Principal, stats model.UserStats) error {
	_, err := tx.Exec(ctx,
		`UPDATE user_stats
		 SET total_sent = $2::text::numeric, total_received = $3::text::numeric, reward_points = $4::text::numeric, updated_at = now()
		 WHERE principal = $1`,
		string(p), stats.TotalSent.Dec(), stats.TotalReceived.Dec(), stats.RewardPoints.Dec(),
	)
	if err != nil {
		return fmt.Errorf("update stats: %w", mapConstraintError(err))
	}
	return nil
}

// AddRewardPoints начисляет баллы пользователю, создавая запись при необходимости.
func (r *PostgresRepository) AddRewardPoints(ctx context.Context, p model.Principal, points uint256.Int) (model.UserStats, error) {
	var stats model.UserStats
	err := r.withRetry(ctx, func() error {
		var err error
		_, stats, err = scanStats(r.pool.QueryRow(ctx,
			`INSERT INTO user_stats (principal, reward_points) VALUES ($1, $2::text::numeric)
			 ON CONFLICT (principal) DO UPDATE
			 SET reward_points = user_stats.reward_points + EXCLUDED.reward_points, updated_at = now()
			 RETURNING principal, total_sent::text, total_received::text, reward_points::text`,
			string(p), points.Dec(),
		))
		return err
	})
	if err != nil {
		return model.UserStats{}, fmt.Errorf("add reward points: %w", mapConstraintError(err))
	}
	return stats, nil
}

// GetIdentity возвращает запись реестра или нулевую запись.
func (r *PostgresRepository) GetIdentity(ctx context.Context, p model.Principal) (model.Identity, error) {
	var id model.Identity
	err := r.withRetry(ctx, func() error {
		err := r.pool.QueryRow(ctx,
			`SELECT username, verified FROM identities WHERE principal = $1`,
			string(p),
		).Scan(&id.Username, &id.Verified)
		if errors.Is(err, pgx.ErrNoRows) {
			id = model.Identity{}
			return nil
		}
		return err
	})
	if err != nil {
		return model.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return id, nil
}

// SetIdentity закрепляет имя за учётной записью. Уникальный индекс по username служит
// обратным индексом и защищает от гонки двух регистраций одного имени.
func (r *PostgresRepository) SetIdentity(ctx context.Context, p model.Principal, username string) error {
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var owner string
		err = tx.QueryRow(ctx,
			`SELECT principal FROM identities WHERE username = $1 FOR UPDATE`,
			username,
		).Scan(&owner)
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("select owner: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO identities (principal, username, verified) VALUES ($1, $2, TRUE)
			 ON CONFLICT (principal) DO UPDATE
			 SET username = EXCLUDED.username, verified = TRUE, updated_at = now()`,
			string(p), username,
		)
		if err != nil {
			return mapConstraintError(err)
		}

		if err := tx.Commit(ctx); err != nil {
			return mapConstraintError(err)
		}
		return nil
	})
	if errors.Is(err, ErrUsernameTaken) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("set identity: %w", err)
	}
	return nil
}

// GetTipsByUser возвращает историю переводов пользователя, новые первыми.
func (r *PostgresRepository) GetTipsByUser(ctx context.Context, p model.Principal, limit int) ([]model.Tip, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var res []model.Tip
	err := r.withRetry(ctx, func() error {
		res = nil

		rows, err := r.pool.Query(ctx,
			`SELECT id::text, sender, recipient, amount::text, fee::text, net::text, token_type, reward_points::text, created_at
			 FROM tips
			 WHERE sender = $1 OR recipient = $1
			 ORDER BY created_at DESC
			 LIMIT $2`,
			string(p), limit,
		)
		if err != nil {
			return fmt.Errorf("select tips: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			tip, err := scanTip(rows)
			if err != nil {
				return err
			}
			res = append(res, tip)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func scanTip(row rowScanner) (model.Tip, error) {
	var (
		id, sender, recipient      string
		amount, fee, net, rewardPt string
		tip                        model.Tip
	)
	if err := row.Scan(&id, &sender, &recipient, &amount, &fee, &net, &tip.TokenType, &rewardPt, &tip.CreatedAt); err != nil {
		return model.Tip{}, fmt.Errorf("scan tip: %w", err)
	}

	var err error
	if tip.ID, err = uuid.Parse(id); err != nil {
		return model.Tip{}, fmt.Errorf("parse tip id: %w", err)
	}
	tip.Sender = model.Principal(sender)
	tip.Recipient = model.Principal(recipient)

	for _, f := range []struct {
		src string
		dst *uint256.Int
	}{
		{amount, &tip.Amount},
		{fee, &tip.Fee},
		{net, &tip.Net},
		{rewardPt, &tip.RewardPoints},
	} {
		v, err := model.ParseAmount(f.src)
		if err != nil {
			return model.Tip{}, fmt.Errorf("parse tip amount: %w", err)
		}
		*f.dst = v
	}
	return tip, nil
}
