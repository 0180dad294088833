package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a Sink keeping lines in the session_lines table.
type SQLiteStore struct {
	db        *sql.DB
	insert    *sql.Stmt
	retention time.Duration
}

// OpenSQLite opens (or creates) the database at path. retention > 0 enables
// Prune.
func OpenSQLite(path string, retention time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; every session funnels through the same handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`pragma journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSessionLinesSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	insert, err := db.Prepare(`insert into session_lines(bot, session, seq, prompt, line, digest, received_at) values(?,?,?,?,?,?,?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, insert: insert, retention: retention}, nil
}

func ensureSessionLinesSchema(db *sql.DB) error {
	schema := `
	create table if not exists session_lines (
		id integer primary key autoincrement,
		bot text not null,
		session text not null,
		seq integer not null,
		prompt integer not null default 0,
		line blob not null,
		digest integer not null,
		received_at integer not null
	);
	create index if not exists idx_session_lines_bot on session_lines(bot, received_at);
	create index if not exists idx_session_lines_digest on session_lines(digest);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	cols, err := fetchColumns(db, "session_lines")
	if err != nil {
		return err
	}
	for _, col := range []string{"bot", "session", "seq", "prompt", "line", "digest", "received_at"} {
		if _, ok := cols[col]; !ok {
			return fmt.Errorf("transcript: session_lines is missing column %s", col)
		}
	}
	return nil
}

func fetchColumns(db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.Query(fmt.Sprintf("pragma table_info(%s);", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = struct{}{}
	}
	return cols, rows.Err()
}

// Digest is the xxh3 hash stored with every line; it lets operators find
// repeated server output without scanning line text.
func Digest(line []byte) int64 {
	return int64(xxh3.Hash(line))
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	prompt := 0
	if e.Prompt {
		prompt = 1
	}
	if _, err := s.insert.ExecContext(ctx, e.Bot, e.Session, int64(e.Seq), prompt, e.Line, Digest(e.Line), e.At.UnixNano()); err != nil {
		return fmt.Errorf("transcript: insert %s #%d: %w", e.Bot, e.Seq, err)
	}
	return nil
}

// Recent returns the newest limit lines for bot, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, bot string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `select session, seq, prompt, line, received_at from session_lines
		where bot = ? order by id desc limit ?`, bot, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			seq    int64
			prompt int
			at     int64
		)
		if err := rows.Scan(&e.Session, &seq, &prompt, &e.Line, &at); err != nil {
			return nil, err
		}
		e.Bot = bot
		e.Seq = uint64(seq)
		e.Prompt = prompt != 0
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune deletes lines older than the retention and reports how many went.
func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `delete from session_lines where received_at < ?`, now.Add(-s.retention).UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	_ = s.insert.Close()
	return s.db.Close()
}
