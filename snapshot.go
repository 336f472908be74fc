package pulse

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	_ "modernc.org/sqlite"
)

// StoredChunk is the persisted form of a chunk: its window, the state it
// should return to on restore, and the compressed payload.
type StoredChunk struct {
	Start int64
	End   int64
	State CompressionState
	Blob  []byte
}

// SnapshotStore persists chunk payloads to a local SQLite database so an
// engine can restart without losing data. Payloads are optionally
// encrypted at rest with a key derived from a password.
type SnapshotStore struct {
	db   *sql.DB
	aead cipher.AEAD
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	start    INTEGER PRIMARY KEY,
	end      INTEGER NOT NULL,
	state    INTEGER NOT NULL,
	payload  BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

const (
	pbkdf2Iterations = 100_000
	saltSize         = 16
)

// OpenSnapshotStore opens or creates the snapshot database at cfg.Path.
func OpenSnapshotStore(cfg SnapshotConfig) (*SnapshotStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot schema: %w", err)
	}

	s := &SnapshotStore{db: db}
	if cfg.KeyPassword != "" {
		aead, err := s.deriveAEAD(cfg.KeyPassword)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.aead = aead
	}
	return s, nil
}

// deriveAEAD builds the at-rest cipher from the password and the store's
// salt, creating and persisting a fresh salt on first use.
func (s *SnapshotStore) deriveAEAD(password string) (cipher.AEAD, error) {
	var salt []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'salt'`).Scan(&salt)
	if err == sql.ErrNoRows {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('salt', ?)`, salt); err != nil {
			return nil, fmt.Errorf("persist salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *SnapshotStore) seal(plain []byte) ([]byte, error) {
	if s.aead == nil {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *SnapshotStore) open(sealed []byte) ([]byte, error) {
	if s.aead == nil {
		return sealed, nil
	}
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("%w: sealed payload too short", ErrDataCorrupted)
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	}
	return plain, nil
}

// Save writes or replaces the stored chunk for its window start.
func (s *SnapshotStore) Save(sc StoredChunk) error {
	payload, err := s.seal(sc.Blob)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO chunks (start, end, state, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(start) DO UPDATE SET end = excluded.end, state = excluded.state, payload = excluded.payload`,
		sc.Start, sc.End, int(sc.State), payload,
	)
	if err != nil {
		return fmt.Errorf("save chunk [%d, %d): %w", sc.Start, sc.End, err)
	}
	return nil
}

// Delete removes the stored chunk for the given window start, if present.
func (s *SnapshotStore) Delete(start int64) error {
	if _, err := s.db.Exec(`DELETE FROM chunks WHERE start = ?`, start); err != nil {
		return fmt.Errorf("delete chunk %d: %w", start, err)
	}
	return nil
}

// LoadAll returns every stored chunk in ascending window order.
func (s *SnapshotStore) LoadAll() ([]StoredChunk, error) {
	rows, err := s.db.Query(`SELECT start, end, state, payload FROM chunks ORDER BY start`)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		var sc StoredChunk
		var state int
		var payload []byte
		if err := rows.Scan(&sc.Start, &sc.End, &state, &payload); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		sc.State = CompressionState(state)
		sc.Blob, err = s.open(payload)
		if err != nil {
			return nil, fmt.Errorf("chunk [%d, %d): %w", sc.Start, sc.End, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Close releases the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
