package repo

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tg-forward-bot/internal/domain"
)

// memDB имитирует таблицу forwarder_users. Транзакции выполняются по одной,
// как строки под SELECT ... FOR UPDATE.
type memDB struct {
	mu   sync.Mutex
	rows map[int64][]byte

	txMu sync.Mutex
}

func newMemDB() *memDB {
	return &memDB{rows: make(map[int64][]byte)}
}

func (db *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return execSQL(db.rows, sql, args)
}

func (db *memDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	return docRow(db.rows, args[0].(int64))
}

func (db *memDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids := make([]int64, 0, len(db.rows))
	for id := range db.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	rows := &memRows{}
	for _, id := range ids {
		rows.ids = append(rows.ids, id)
		rows.docs = append(rows.docs, db.rows[id])
	}
	return rows, nil
}

func (db *memDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	db.txMu.Lock()
	db.mu.Lock()
	staged := make(map[int64][]byte, len(db.rows))
	for id, doc := range db.rows {
		staged[id] = doc
	}
	db.mu.Unlock()
	return &memTx{db: db, rows: staged}, nil
}

func (db *memDB) put(userID int64, doc string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows[userID] = []byte(doc)
}

func (db *memDB) raw(userID int64) []byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rows[userID]
}

type memTx struct {
	pgx.Tx

	db   *memDB
	rows map[int64][]byte
	done bool
}

func (tx *memTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return execSQL(tx.rows, sql, args)
}

func (tx *memTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	return docRow(tx.rows, args[0].(int64))
}

func (tx *memTx) Commit(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.db.mu.Lock()
	tx.db.rows = tx.rows
	tx.db.mu.Unlock()
	tx.finish()
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.finish()
	return nil
}

func (tx *memTx) finish() {
	tx.done = true
	tx.db.txMu.Unlock()
}

func execSQL(rows map[int64][]byte, sql string, args []any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "CREATE TABLE"):
	case strings.Contains(sql, "DO NOTHING"):
		id := args[0].(int64)
		if _, ok := rows[id]; !ok {
			rows[id] = []byte("{}")
		}
	case strings.Contains(sql, "doc = EXCLUDED.doc"), strings.HasPrefix(strings.TrimSpace(sql), "UPDATE"):
		rows[args[0].(int64)] = args[1].([]byte)
	default:
		return pgconn.CommandTag{}, errors.New("неизвестный запрос: " + sql)
	}
	return pgconn.NewCommandTag("OK"), nil
}

type memRow struct {
	doc []byte
	err error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*[]byte) = r.doc
	return nil
}

func docRow(rows map[int64][]byte, userID int64) memRow {
	doc, ok := rows[userID]
	if !ok {
		return memRow{err: pgx.ErrNoRows}
	}
	return memRow{doc: doc}
}

type memRows struct {
	pgx.Rows

	ids  []int64
	docs [][]byte
	pos  int
}

func (r *memRows) Next() bool {
	r.pos++
	return r.pos <= len(r.ids)
}

func (r *memRows) Scan(dest ...any) error {
	*dest[0].(*int64) = r.ids[r.pos-1]
	*dest[1].(*[]byte) = r.docs[r.pos-1]
	return nil
}

func (r *memRows) Close()     {}
func (r *memRows) Err() error { return nil }

func TestPostgresLoadMissingIsEmpty(t *testing.T) {
	store := NewPostgres(newMemDB())
	cfg, err := store.Load(context.Background(), 42)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !cfg.Credential.IsZero() || cfg.Rules == nil || len(cfg.Rules) != 0 {
		t.Fatalf("ожидали пустую конфигурацию, получили %+v", cfg)
	}
}

func TestPostgresUpdateStoresDocument(t *testing.T) {
	db := newMemDB()
	store := NewPostgres(db)
	ctx := context.Background()
	cred := domain.Credential{APIID: 111, APIHash: "abc", Phone: "+1555"}

	got, err := store.Update(ctx, 7, func(cfg *domain.UserConfig) error {
		cfg.Credential = cred
		cfg.Rules[" 100"] = []int64{200, 200, 300}
		cfg.Rules["-1001234"] = nil
		return nil
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := domain.UserConfig{Credential: cred, Rules: domain.RuleSet{"100": {200, 300}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ожидали %+v, получили %+v", want, got)
	}

	var doc map[string]any
	if err := json.Unmarshal(db.raw(7), &doc); err != nil {
		t.Fatalf("в jsonb должен лежать документ: %v", err)
	}
	if doc["api_hash"] != "abc" || doc["phone"] != "+1555" {
		t.Fatalf("неожиданный документ %s", db.raw(7))
	}

	loaded, err := store.Load(ctx, 7)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !reflect.DeepEqual(loaded, want) {
		t.Fatalf("ожидали %+v, получили %+v", want, loaded)
	}
}

func TestPostgresUpdateErrorRollsBack(t *testing.T) {
	db := newMemDB()
	store := NewPostgres(db)
	ctx := context.Background()
	if err := store.Save(ctx, 5, domain.UserConfig{Rules: domain.RuleSet{"1": {2}}}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	boom := errors.New("boom")
	_, err := store.Update(ctx, 5, func(cfg *domain.UserConfig) error {
		cfg.Rules["1"] = append(cfg.Rules["1"], 3)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ожидали boom, получили %v", err)
	}
	_, err = store.Update(ctx, 6, func(*domain.UserConfig) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("ожидали boom, получили %v", err)
	}

	cfg, _ := store.Load(ctx, 5)
	if !reflect.DeepEqual(cfg.Rules, domain.RuleSet{"1": {2}}) {
		t.Fatalf("документ не должен меняться при ошибке, получили %v", cfg.Rules)
	}
	if db.raw(6) != nil {
		t.Fatal("строка не должна появляться после отката")
	}
}

func TestPostgresConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	store := NewPostgres(newMemDB())
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(dest int64) {
			defer wg.Done()
			_, err := store.Update(context.Background(), 3, func(cfg *domain.UserConfig) error {
				cfg.Rules["100"] = append(cfg.Rules["100"], dest)
				return nil
			})
			if err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	cfg, _ := store.Load(context.Background(), 3)
	if len(cfg.Rules["100"]) != 20 {
		t.Fatalf("ожидали 20 получателей, получили %d", len(cfg.Rules["100"]))
	}
}

func TestPostgresListAllDecodesLegacyDocuments(t *testing.T) {
	db := newMemDB()
	db.put(1, `{"api_id": 1, "api_secret": "old", "phone": "+7", "forwarding_rules": {"10": [20]}}`)
	db.put(2, `{}`)
	store := NewPostgres(db)

	all, err := store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ожидали двух пользователей, получили %d", len(all))
	}
	if all[1].Credential.APIHash != "old" || !reflect.DeepEqual(all[1].Rules, domain.RuleSet{"10": {20}}) {
		t.Fatalf("неожиданный документ %+v", all[1])
	}
	if len(all[2].Rules) != 0 {
		t.Fatalf("ожидали пустые правила, получили %v", all[2].Rules)
	}
}
