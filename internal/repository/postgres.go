// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/femilianferuk-droid/proxy/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOutOfStock возвращается, когда у товара не осталось свободных единиц.
// Это штатный исход, а не сбой.
var (
	ErrOutOfStock = errors.New("product out of stock")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoFreeKeys возвращается, когда бесплатные ключи данного типа закончились.
	ErrNoFreeKeys = errors.New("no free keys left")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
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

	r := &PostgresRepository{pool: pool}

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только при конфликтах сериализации и дедлоках,
		// сетевые переподключения pgxpool выполняет сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser регистрирует покупателя при первом обращении. Повторная
// регистрация того же идентификатора не является ошибкой.
func (r *PostgresRepository) CreateUser(ctx context.Context, id int64, username, firstName string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, first_name) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		id, username, firstName,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, first_name, joined_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// ListUserIDs возвращает идентификаторы всех пользователей для рассылки.
func (r *PostgresRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// CreateProduct добавляет товар в каталог.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p model.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products (kind, name, price_kopecks, price_crypto, per_item_user_limit, instruction, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		string(p.Kind), p.Name, p.PriceKopecks, p.PriceCrypto, p.PerItemUserLimit, p.Instruction, p.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

// GetProduct возвращает товар по идентификатору.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, kind, name, price_kopecks, price_crypto, per_item_user_limit, instruction, active
		 FROM products
		 WHERE id = $1`,
		id,
	)

	var p model.Product
	var kind string
	err := row.Scan(&p.ID, &kind, &p.Name, &p.PriceKopecks, &p.PriceCrypto, &p.PerItemUserLimit, &p.Instruction, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.Kind = model.ProductKind(kind)

	return &p, nil
}

// ListProducts возвращает активные товары, опционально отфильтрованные по типу.
func (r *PostgresRepository) ListProducts(ctx context.Context, kind model.ProductKind) ([]model.Product, error) {
	query := `SELECT id, kind, name, price_kopecks, price_crypto, per_item_user_limit, instruction, active
	          FROM products
	          WHERE active`
	args := []any{}
	if kind != "" {
		query += ` AND kind = $1`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		var p model.Product
		var k string
		if err := rows.Scan(&p.ID, &k, &p.Name, &p.PriceKopecks, &p.PriceCrypto, &p.PerItemUserLimit, &p.Instruction, &p.Active); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.Kind = model.ProductKind(k)
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// UpdateProductPrice изменяет фиатную цену и зафиксированный криптоэквивалент.
func (r *PostgresRepository) UpdateProductPrice(ctx context.Context, id int64, priceKopecks int64, priceCrypto string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE products SET price_kopecks = $2, price_crypto = $3 WHERE id = $1`,
		id, priceKopecks, priceCrypto,
	)
	if err != nil {
		return fmt.Errorf("update product price: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// UpdateProductInstruction изменяет инструкцию товара.
func (r *PostgresRepository) UpdateProductInstruction(ctx context.Context, id int64, instruction string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE products SET instruction = $2 WHERE id = $1`,
		id, instruction,
	)
	if err != nil {
		return fmt.Errorf("update product instruction: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// AddItems добавляет партию единиц товара в пул.
func (r *PostgresRepository) AddItems(ctx context.Context, productID int64, payloads []string) (int, error) {
	if _, err := r.GetProduct(ctx, productID); err != nil {
		return 0, err
	}

	batch := &pgx.Batch{}
	for _, payload := range payloads {
		batch.Queue(`INSERT INTO items (product_id, payload) VALUES ($1, $2)`, productID, payload)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range payloads {
		if _, err := br.Exec(); err != nil {
			return inserted, fmt.Errorf("insert item: %w", err)
		}
		inserted++
	}

	return inserted, nil
}

// AvailableCount возвращает количество свободных единиц товара. Значение
// пригодно только для отображения: к моменту выдачи оно может устареть,
// авторитетной является сама операция ClaimItem.
func (r *PostgresRepository) AvailableCount(ctx context.Context, productID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM items WHERE product_id = $1 AND available`,
		productID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count available items: %w", err)
	}
	return count, nil
}

// ClaimItem атомарно выдаёт одну свободную единицу товара покупателю.
// Проверка наличия и захват выполняются одним оператором: подзапрос берёт
// первую свободную строку под FOR UPDATE SKIP LOCKED, поэтому две
// конкурентные выдачи никогда не получат одну и ту же строку.
// Возвращает ErrOutOfStock, если свободных единиц не осталось.
func (r *PostgresRepository) ClaimItem(ctx context.Context, productID, userID int64) (*model.InventoryItem, error) {
	var item model.InventoryItem

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE items
			 SET available = FALSE, claimed_by = $2, claimed_at = now()
			 WHERE id = (
			     SELECT id FROM items
			     WHERE product_id = $1 AND available
			     ORDER BY id
			     FOR UPDATE SKIP LOCKED
			     LIMIT 1
			 )
			 RETURNING id, product_id, payload, claimed_by, claimed_at`,
			productID, userID,
		)

		err := row.Scan(&item.ID, &item.ProductID, &item.Payload, &item.ClaimedBy, &item.ClaimedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOutOfStock
			}
			return fmt.Errorf("claim item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	item.Available = false
	return &item, nil
}

// CreatePurchase записывает состоявшуюся покупку.
func (r *PostgresRepository) CreatePurchase(ctx context.Context, userID, productID, itemID int64, expiresAt *time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO purchases (user_id, product_id, item_id, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		userID, productID, itemID, expiresAt, string(model.PurchaseStatusActive),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create purchase: %w", err)
	}
	return id, nil
}

// PurchaseView — покупка вместе с названием товара для отображения в профиле.
type PurchaseView struct {
	model.Purchase
	ProductName string
}

// GetPurchasesByUser возвращает последние покупки пользователя.
func (r *PostgresRepository) GetPurchasesByUser(ctx context.Context, userID int64, limit int) ([]PurchaseView, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT pu.id, pu.user_id, pu.product_id, pu.item_id, pu.purchased_at, pu.expires_at, pu.status, p.name
		 FROM purchases pu
		 JOIN products p ON p.id = pu.product_id
		 WHERE pu.user_id = $1
		 ORDER BY pu.purchased_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []PurchaseView
	for rows.Next() {
		var v PurchaseView
		var status string
		if err := rows.Scan(&v.ID, &v.UserID, &v.ProductID, &v.ItemID, &v.PurchasedAt, &v.ExpiresAt, &status, &v.ProductName); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		v.Status = model.PurchaseStatus(status)
		res = append(res, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ExpireOverduePurchases переводит просроченные активные покупки в статус expired.
func (r *PostgresRepository) ExpireOverduePurchases(ctx context.Context, now time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE purchases
		 SET status = $1
		 WHERE status = $2 AND expires_at IS NOT NULL AND expires_at < $3`,
		string(model.PurchaseStatusExpired), string(model.PurchaseStatusActive), now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire purchases: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// AddFreeKeys добавляет партию бесплатных ключей.
func (r *PostgresRepository) AddFreeKeys(ctx context.Context, kind model.FreeKeyKind, payloads []string, instruction string) (int, error) {
	batch := &pgx.Batch{}
	for _, payload := range payloads {
		batch.Queue(
			`INSERT INTO free_keys (kind, payload, instruction) VALUES ($1, $2, $3)`,
			string(kind), payload, instruction,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range payloads {
		if _, err := br.Exec(); err != nil {
			return inserted, fmt.Errorf("insert free key: %w", err)
		}
		inserted++
	}

	return inserted, nil
}

// ClaimFreeKey атомарно выдаёт один неиспользованный бесплатный ключ.
// Та же схема захвата, что и у ClaimItem.
func (r *PostgresRepository) ClaimFreeKey(ctx context.Context, kind model.FreeKeyKind, userID int64) (*model.FreeKey, error) {
	var key model.FreeKey
	var k string

	row := r.pool.QueryRow(ctx,
		`UPDATE free_keys
		 SET used_by = $2, used_at = now()
		 WHERE id = (
		     SELECT id FROM free_keys
		     WHERE kind = $1 AND used_by IS NULL
		     ORDER BY id
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, kind, payload, instruction, used_by, used_at`,
		string(kind), userID,
	)

	err := row.Scan(&key.ID, &k, &key.Payload, &key.Instruction, &key.UsedBy, &key.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoFreeKeys
		}
		return nil, fmt.Errorf("claim free key: %w", err)
	}
	key.Kind = model.FreeKeyKind(k)

	return &key, nil
}

// GetFreeKeysByUser возвращает бесплатные ключи, полученные пользователем.
func (r *PostgresRepository) GetFreeKeysByUser(ctx context.Context, userID int64) ([]model.FreeKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, payload, instruction, used_by, used_at
		 FROM free_keys
		 WHERE used_by = $1
		 ORDER BY used_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select free keys: %w", err)
	}
	defer rows.Close()

	var res []model.FreeKey
	for rows.Next() {
		var key model.FreeKey
		var k string
		if err := rows.Scan(&key.ID, &k, &key.Payload, &key.Instruction, &key.UsedBy, &key.UsedAt); err != nil {
			return nil, fmt.Errorf("scan free key: %w", err)
		}
		key.Kind = model.FreeKeyKind(k)
		res = append(res, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ProductSales — количество продаж одного товара.
type ProductSales struct {
	ProductID int64
	Name      string
	Sold      int64
}

// Stats — сводная статистика магазина для администратора.
type Stats struct {
	TotalUsers      int64
	ActivePurchases int64
	RevenueKopecks  int64
	Sales           []ProductSales
}

// GetStats собирает сводную статистику магазина.
func (r *PostgresRepository) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats

	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&s.TotalUsers); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchases WHERE status = $1`,
		string(model.PurchaseStatusActive),
	).Scan(&s.ActivePurchases)
	if err != nil {
		return nil, fmt.Errorf("count active purchases: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(p.price_kopecks), 0)
		 FROM purchases pu
		 JOIN products p ON p.id = pu.product_id`,
	).Scan(&s.RevenueKopecks)
	if err != nil {
		return nil, fmt.Errorf("sum revenue: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.name, COUNT(*)
		 FROM purchases pu
		 JOIN products p ON p.id = pu.product_id
		 GROUP BY p.id, p.name
		 ORDER BY p.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select sales: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ps ProductSales
		if err := rows.Scan(&ps.ProductID, &ps.Name, &ps.Sold); err != nil {
			return nil, fmt.Errorf("scan sales: %w", err)
		}
		s.Sales = append(s.Sales, ps)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &s, nil
}
