package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresPortLeaseRepo はPostgreSQLを使用したポート予約リポジトリ。
// 複数プロセスから同時に利用しても、予約の確認と記録は1文で原子的に行われる。
type PostgresPortLeaseRepo struct {
	db *sql.DB
}

// NewPostgresPortLeaseRepo はPostgresPortLeaseRepoを生成する。
func NewPostgresPortLeaseRepo(db *sql.DB) *PostgresPortLeaseRepo {
	return &PostgresPortLeaseRepo{db: db}
}

// Reserve はポートを予約する。
// アカウントが参照しているポート、または有効な予約があるポートは予約できずfalseを返す。
// 期限切れの予約は上書きする。
func (r *PostgresPortLeaseRepo) Reserve(ctx context.Context, port int, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO port_leases (port, expires_at, created_at)
		 SELECT $1::int, now() + make_interval(secs => $2::float8), now()
		 WHERE NOT EXISTS (
		     SELECT 1 FROM telegram_accounts WHERE container_port = $1::int
		 )
		 ON CONFLICT (port) DO UPDATE
		     SET expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
		     WHERE port_leases.expires_at <= now()`,
		port, ttl.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("ポートの予約に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ポート予約結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// Release はポートの予約を削除する。予約が無くてもエラーにしない。
func (r *PostgresPortLeaseRepo) Release(ctx context.Context, port int) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM port_leases WHERE port = $1`, port)
	if err != nil {
		return fmt.Errorf("ポート予約の解除に失敗しました: %w", err)
	}
	return nil
}

// Renew は有効な予約の期限を延長する。予約が無いか期限切れの場合はfalseを返す。
func (r *PostgresPortLeaseRepo) Renew(ctx context.Context, port int, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE port_leases SET expires_at = now() + make_interval(secs => $2::float8)
		 WHERE port = $1 AND expires_at > now()`,
		port, ttl.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("ポート予約の延長に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ポート予約延長結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// Reserved は有効な予約中のポートを昇順で返す。
func (r *PostgresPortLeaseRepo) Reserved(ctx context.Context) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT port FROM port_leases WHERE expires_at > now() ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("予約中ポートの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("予約中ポートの読み取りに失敗しました: %w", err)
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// DeleteExpired は期限切れの予約を削除し、削除件数を返す。
func (r *PostgresPortLeaseRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM port_leases WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("期限切れポート予約の削除に失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}
