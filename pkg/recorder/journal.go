package recorder

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"
)

const prefixSession = "session:"

// entryMagic prefixes zstd compressed entries. Values without it are plain
// JSON.
const entryMagic = "PRZ1"

// Entry is the journal record of one session.
type Entry struct {
	Timestamp  int64    `json:"ts"` // Nanoseconds
	Target     string   `json:"target"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Output     string   `json:"output"`
	Outcome    string   `json:"outcome"` // finished | crashed | failed
	ExitCode   int      `json:"exit_code"`
	Signal     string   `json:"signal,omitempty"`
	Size       int64    `json:"size"`
	Digest     string   `json:"digest,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Message    string   `json:"message,omitempty"`
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// Journal keeps session history in Pebble using a time-ordered prefix.
type Journal struct {
	db *pebble.DB
}

// OpenJournal opens or creates a Pebble store in dir.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the store.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append stores e. A zero timestamp is set to now.
func (j *Journal) Append(e Entry) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("pebble database is not initialized")
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}

	payload, err := encodeEntry(e)
	if err != nil {
		return err
	}

	keySuffix, err := randomSuffix()
	if err != nil {
		return fmt.Errorf("generate journal key: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%020d:%s", prefixSession, e.Timestamp, keySuffix))
	if err := j.db.Set(key, payload, pebble.Sync); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// List returns up to limit of the most recent entries, oldest first. A limit
// of zero or less returns everything.
func (j *Journal) List(limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("pebble database is not initialized")
	}

	iter, err := newPrefixIter(j.db, prefixSession)
	if err != nil {
		return nil, fmt.Errorf("journal iterator: %w", err)
	}
	defer iter.Close()

	var entries []Entry
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(entries) == limit {
			break
		}
		e, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", iter.Key(), err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("journal iterator: %w", err)
	}

	for l, r := 0, len(entries)-1; l < r; l, r = l+1, r-1 {
		entries[l], entries[r] = entries[r], entries[l]
	}
	return entries, nil
}

// Prune deletes all but the newest keep entries and returns how many were
// removed.
func (j *Journal) Prune(keep int) (int, error) {
	if j == nil || j.db == nil {
		return 0, fmt.Errorf("pebble database is not initialized")
	}

	iter, err := newPrefixIter(j.db, prefixSession)
	if err != nil {
		return 0, fmt.Errorf("journal iterator: %w", err)
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	seen, removed := 0, 0
	for iter.Last(); iter.Valid(); iter.Prev() {
		seen++
		if seen <= keep {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		if err := batch.Delete(key, nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("delete journal key: %w", err)
		}
		removed++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("journal iterator: %w", err)
	}

	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit journal prune: %w", err)
	}
	return removed, nil
}

// Digest returns the base58 sha2-256 multihash of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	mh, err := multihash.SumStream(f, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return mh.B58String(), nil
}

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdEncoderErr  error
	zstdDecoderErr  error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, zstdEncoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder, zstdEncoderErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

func encodeEntry(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal journal entry: %w", err)
	}
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, []byte(entryMagic)), nil
}

func decodeEntry(value []byte) (Entry, error) {
	var e Entry
	data := value
	if bytes.HasPrefix(value, []byte(entryMagic)) {
		dec, err := getZstdDecoder()
		if err != nil {
			return e, fmt.Errorf("zstd decoder: %w", err)
		}
		data, err = dec.DecodeAll(value[len(entryMagic):], nil)
		if err != nil {
			return e, err
		}
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, err
	}
	return e, nil
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func randomSuffix() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
