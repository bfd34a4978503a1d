package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/tasgate/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
// bot_tokenはapi_hashと同様に暗号化して保存する。
type PostgresAccountRepo struct {
	db     *sql.DB
	cipher CredentialCipher
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB, cipher CredentialCipher) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db, cipher: cipher}
}

const accountColumns = `id, telegram_app_id, type, phone, bot_token, session_name, webhook_url,
	container_name, container_port, container_id, status, last_error,
	telegram_user_id, telegram_username, first_name, last_name,
	messages_sent_count, last_activity_at, authorized_at, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresAccountRepo) scanAccount(s rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var (
		phone, botToken, lastError                    sql.NullString
		containerName, containerID                    sql.NullString
		containerPort                                 sql.NullInt64
		telegramUserID, username, firstName, lastName sql.NullString
		lastActivityAt, authorizedAt                  sql.NullTime
	)

	if err := s.Scan(
		&a.ID, &a.AppID, &a.Type, &phone, &botToken, &a.SessionName, &a.WebhookURL,
		&containerName, &containerPort, &containerID, &a.Status, &lastError,
		&telegramUserID, &username, &firstName, &lastName,
		&a.MessagesSentCount, &lastActivityAt, &authorizedAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	a.Phone = nullStringValue(phone)
	a.LastError = nullStringValue(lastError)
	a.TelegramUserID = nullStringValue(telegramUserID)
	a.Username = nullStringValue(username)
	a.FirstName = nullStringValue(firstName)
	a.LastName = nullStringValue(lastName)
	a.LastActivityAt = nullTimeValue(lastActivityAt)
	a.AuthorizedAt = nullTimeValue(authorizedAt)

	if botToken.Valid {
		token, err := r.cipher.Decrypt(botToken.String)
		if err != nil {
			return nil, fmt.Errorf("bot_tokenの復号に失敗しました (account_id=%d): %w", a.ID, err)
		}
		a.BotToken = token
	}

	// CHECK制約により3カラムは常に揃ってNULLか非NULL
	if containerName.Valid {
		a.Container = &model.ContainerBinding{
			Name: containerName.String,
			Port: int(containerPort.Int64),
			ID:   containerID.String,
		}
	}
	return a, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM telegram_accounts WHERE id = $1`, id)
	a, err := r.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	return a, nil
}

// FindBySessionName はセッション名でアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindBySessionName(ctx context.Context, sessionName string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM telegram_accounts WHERE session_name = $1`, sessionName)
	a, err := r.scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッション名によるアカウントの検索に失敗しました: %w", err)
	}
	return a, nil
}

func (r *PostgresAccountRepo) encryptToken(token string) (sql.NullString, error) {
	if token == "" {
		return sql.NullString{}, nil
	}
	enc, err := r.cipher.Encrypt(token)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("bot_tokenの暗号化に失敗しました: %w", err)
	}
	return sql.NullString{String: enc, Valid: true}, nil
}

// containerColumns はContainerBindingを3カラム分の値に展開する。
func containerColumns(c *model.ContainerBinding) (sql.NullString, sql.NullInt64, sql.NullString) {
	if c == nil {
		return sql.NullString{}, sql.NullInt64{}, sql.NullString{}
	}
	return sql.NullString{String: c.Name, Valid: true},
		sql.NullInt64{Int64: int64(c.Port), Valid: true},
		sql.NullString{String: c.ID, Valid: true}
}

// Create はアカウントを作成し、採番されたIDをaccount.IDに設定する。
func (r *PostgresAccountRepo) Create(ctx context.Context, a *model.Account) error {
	token, err := r.encryptToken(a.BotToken)
	if err != nil {
		return err
	}
	name, port, id := containerColumns(a.Container)

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO telegram_accounts (telegram_app_id, type, phone, bot_token, session_name, webhook_url,
		                               container_name, container_port, container_id, status, last_error,
		                               messages_sent_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		a.AppID, a.Type, nullString(a.Phone), token, a.SessionName, a.WebhookURL,
		name, port, id, a.Status, nullString(a.LastError),
		a.MessagesSentCount, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("アカウントの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はアカウントの可変項目を全て上書き更新する。
func (r *PostgresAccountRepo) Update(ctx context.Context, a *model.Account) error {
	token, err := r.encryptToken(a.BotToken)
	if err != nil {
		return err
	}
	name, port, id := containerColumns(a.Container)

	_, err = r.db.ExecContext(ctx,
		`UPDATE telegram_accounts SET
		    phone = $2, bot_token = $3, webhook_url = $4,
		    container_name = $5, container_port = $6, container_id = $7,
		    status = $8, last_error = $9,
		    telegram_user_id = $10, telegram_username = $11, first_name = $12, last_name = $13,
		    messages_sent_count = $14, last_activity_at = $15, authorized_at = $16,
		    updated_at = $17
		 WHERE id = $1`,
		a.ID, nullString(a.Phone), token, a.WebhookURL,
		name, port, id,
		a.Status, nullString(a.LastError),
		nullString(a.TelegramUserID), nullString(a.Username), nullString(a.FirstName), nullString(a.LastName),
		a.MessagesSentCount, nullTime(a.LastActivityAt), nullTime(a.AuthorizedAt),
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("アカウントの更新に失敗しました: %w", err)
	}
	return nil
}

// IncrementMessageCount は送信数を1増やし、最終アクティビティ日時を更新する。
func (r *PostgresAccountRepo) IncrementMessageCount(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE telegram_accounts
		 SET messages_sent_count = messages_sent_count + 1, last_activity_at = $2, updated_at = $2
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("送信数の更新に失敗しました: %w", err)
	}
	return nil
}

// ListWithContainer はコンテナが割り当てられているアカウントをID順に返す。
func (r *PostgresAccountRepo) ListWithContainer(ctx context.Context, statuses []model.AccountStatus) ([]*model.Account, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM telegram_accounts
		 WHERE container_name IS NOT NULL
		   AND (cardinality($1::text[]) = 0 OR status = ANY($1::text[]))
		 ORDER BY id`,
		pq.Array(filter),
	)
	if err != nil {
		return nil, fmt.Errorf("コンテナ割り当て済みアカウントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		a, err := r.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("アカウントの読み取りに失敗しました: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アカウント一覧の走査に失敗しました: %w", err)
	}
	return accounts, nil
}

// ListContainerPorts はアカウントが使用中のホストポートを返す。
func (r *PostgresAccountRepo) ListContainerPorts(ctx context.Context) ([]int, error) {
	var ports pq.Int64Array
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(container_port ORDER BY container_port), '{}')
		 FROM telegram_accounts WHERE container_port IS NOT NULL`,
	).Scan(&ports)
	if err != nil {
		return nil, fmt.Errorf("使用中ポートの取得に失敗しました: %w", err)
	}

	out := make([]int, len(ports))
	for i, p := range ports {
		out[i] = int(p)
	}
	return out, nil
}

// ListContainerNames はアカウントに記録されているコンテナ名を返す。
func (r *PostgresAccountRepo) ListContainerNames(ctx context.Context) ([]string, error) {
	var names pq.StringArray
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(container_name ORDER BY container_name), '{}')
		 FROM telegram_accounts WHERE container_name IS NOT NULL`,
	).Scan(&names)
	if err != nil {
		return nil, fmt.Errorf("コンテナ名の取得に失敗しました: %w", err)
	}
	return names, nil
}
