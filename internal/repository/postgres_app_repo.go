package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tasgate/internal/model"
)

// CredentialCipher は資格情報の暗号化・復号を行う。
type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PostgresAppRepo はPostgreSQLを使用したアプリリポジトリ。
type PostgresAppRepo struct {
	db     *sql.DB
	cipher CredentialCipher
}

// NewPostgresAppRepo はPostgresAppRepoを生成する。
func NewPostgresAppRepo(db *sql.DB, cipher CredentialCipher) *PostgresAppRepo {
	return &PostgresAppRepo{db: db, cipher: cipher}
}

const appColumns = `id, api_id, api_hash, status, name, created_at, updated_at`

// FindByID は指定IDのアプリを取得する。見つからない場合はnilを返す。
func (r *PostgresAppRepo) FindByID(ctx context.Context, id int64) (*model.App, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM telegram_apps WHERE id = $1`, id)
	return r.scan(row)
}

// FindByAPIID はapi_idでアプリを検索する。見つからない場合はnilを返す。
func (r *PostgresAppRepo) FindByAPIID(ctx context.Context, apiID string) (*model.App, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM telegram_apps WHERE api_id = $1`, apiID)
	return r.scan(row)
}

func (r *PostgresAppRepo) scan(row *sql.Row) (*model.App, error) {
	app := &model.App{}
	var encrypted string
	err := row.Scan(&app.ID, &app.APIID, &encrypted, &app.Status, &app.Name, &app.CreatedAt, &app.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アプリの取得に失敗しました: %w", err)
	}

	app.APIHash, err = r.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("api_hashの復号に失敗しました (app_id=%d): %w", app.ID, err)
	}
	return app, nil
}

// Create はアプリを作成し、採番されたIDをapp.IDに設定する。
func (r *PostgresAppRepo) Create(ctx context.Context, app *model.App) error {
	encrypted, err := r.cipher.Encrypt(app.APIHash)
	if err != nil {
		return fmt.Errorf("api_hashの暗号化に失敗しました: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO telegram_apps (api_id, api_hash, status, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		app.APIID, encrypted, app.Status, app.Name, app.CreatedAt, app.UpdatedAt,
	).Scan(&app.ID)
	if err != nil {
		return fmt.Errorf("アプリの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus はアプリのステータスのみを更新する。
func (r *PostgresAppRepo) UpdateStatus(ctx context.Context, id int64, status model.AppStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE telegram_apps SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("アプリのステータス更新に失敗しました: %w", err)
	}
	return nil
}
