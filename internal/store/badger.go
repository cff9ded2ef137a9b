package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the data directory. Required unless InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval runs value log GC periodically; zero disables it.
	GCInterval time.Duration
	Logger     *zerolog.Logger
}

// Key layout. Parts are joined with a zero byte so refs may contain any
// printable character.
const (
	prefixRule      = "rule"
	prefixCategory  = "cat"
	prefixMapping   = "map"
	prefixMapOrigin = "maporigin"
	prefixOrigin    = "origin"
	prefixUsage     = "usage"
	prefixUsageRule = "usagerule"
	keySeqRule      = "seq\x00rule"
	keySeqCategory  = "seq\x00cat"
)

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, "\x00"))
}

func idPart(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// BadgerStore is an embedded, single-node implementation of Store.
type BadgerStore struct {
	db *badger.DB
	// seqMu serializes id allocation
	seqMu  sync.Mutex
	stopGC chan struct{}
	gcDone chan struct{}
}

type badgerLogger struct {
	log *zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}

// NewBadgerStore opens (or creates) the database.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.Logger)
	}
	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, log *zerolog.Logger) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) && log != nil {
				log.Warn().Err(err).Msg("badger value log GC failed")
			}
		}
	}
}

func (s *BadgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, data)
}

// scanPrefix calls fn with every value under prefix, in key order.
func scanPrefix(txn *badger.Txn, prefix []byte, fn func(k, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error { return fn(k, val) }); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) nextID(ctx context.Context, seqKey string) (int64, error) {
	var id int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(seqKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				id = int64(binary.BigEndian.Uint64(val))
				return nil
			}); err != nil {
				return err
			}
		}
		id++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(id))
		return txn.Set([]byte(seqKey), buf)
	})
	return id, err
}

// badgerRule is the persisted rule; conditions keep their stored encoding.
type badgerRule struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	CategoryID     int64     `json:"category_id"`
	Type           string    `json:"type"`
	ConditionsJSON string    `json:"conditions_json"`
	Operator       string    `json:"operator"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`
}

func toBadgerRule(r rules.Rule) (badgerRule, error) {
	conds, err := rules.EncodeConditions(r.Conditions)
	if err != nil {
		return badgerRule{}, err
	}
	return badgerRule{
		ID:             r.ID,
		Name:           r.Name,
		CategoryID:     r.CategoryID,
		Type:           string(r.Type),
		ConditionsJSON: string(conds),
		Operator:       string(rules.NormalizeOperator(string(r.Operator))),
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		ModifiedAt:     r.ModifiedAt,
	}, nil
}

func (b badgerRule) rule() (rules.Rule, error) {
	conds, err := rules.DecodeConditions([]byte(b.ConditionsJSON))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("rule %d: %w", b.ID, err)
	}
	return rules.Rule{
		ID:         b.ID,
		Name:       b.Name,
		CategoryID: b.CategoryID,
		Type:       rules.Type(b.Type),
		Conditions: conds,
		Operator:   rules.NormalizeOperator(b.Operator),
		CreatedBy:  b.CreatedBy,
		CreatedAt:  b.CreatedAt,
		ModifiedAt: b.ModifiedAt,
	}, nil
}

func (s *BadgerStore) ListRules(ctx context.Context) ([]rules.Rule, error) {
	result := []rules.Rule{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, key(prefixRule, ""), func(_, val []byte) error {
			var br badgerRule
			if err := json.Unmarshal(val, &br); err != nil {
				return err
			}
			r, err := br.rule()
			if err != nil {
				return err
			}
			result = append(result, r)
			return nil
		})
	})
	return result, err
}

func (s *BadgerStore) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	var br badgerRule
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixRule, idPart(id)), &br)
	}); err != nil {
		return nil, err
	}
	r, err := br.rule()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BadgerStore) CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	id, err := s.nextID(ctx, keySeqRule)
	if err != nil {
		return rules.Rule{}, err
	}
	now := time.Now().UTC()
	r.ID = id
	r.CreatedAt, r.ModifiedAt = now, now
	if r.Type == "" {
		r.Type = rules.TypeCustom
	}
	br, err := toBadgerRule(r)
	if err != nil {
		return rules.Rule{}, err
	}
	if err := s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(prefixRule, idPart(id)), br)
	}); err != nil {
		return rules.Rule{}, err
	}
	return br.rule()
}

func (s *BadgerStore) UpdateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	var out badgerRule
	err := s.update(ctx, func(txn *badger.Txn) error {
		k := key(prefixRule, idPart(r.ID))
		var existing badgerRule
		if err := getJSON(txn, k, &existing); err != nil {
			return err
		}
		r.Type = rules.Type(existing.Type)
		r.CreatedBy = existing.CreatedBy
		r.CreatedAt = existing.CreatedAt
		r.ModifiedAt = time.Now().UTC()
		br, err := toBadgerRule(r)
		if err != nil {
			return err
		}
		out = br
		return setJSON(txn, k, br)
	})
	if err != nil {
		return rules.Rule{}, err
	}
	return out.rule()
}

func (s *BadgerStore) DeleteRule(ctx context.Context, id int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key(prefixRule, idPart(id)))
	})
}

func (s *BadgerStore) ListCategories(ctx context.Context) ([]rules.Category, error) {
	result := []rules.Category{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, key(prefixCategory, ""), func(_, val []byte) error {
			var c rules.Category
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			result = append(result, c)
			return nil
		})
	})
	return result, err
}

func (s *BadgerStore) CreateCategory(ctx context.Context, name string) (rules.Category, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	id, err := s.nextID(ctx, keySeqCategory)
	if err != nil {
		return rules.Category{}, err
	}
	now := time.Now().UTC()
	c := rules.Category{ID: id, Name: name, CreatedAt: now, ModifiedAt: now}
	err = s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(prefixCategory, idPart(id)), c)
	})
	return c, err
}

func (s *BadgerStore) InsertMapping(ctx context.Context, m Mapping) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		k := key(prefixMapping, m.BlockRef)
		if _, err := txn.Get(k); err == nil {
			return ErrDuplicateMapping
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, k, m); err != nil {
			return err
		}
		return txn.Set(key(prefixMapOrigin, m.PostRef, m.BlockRef), []byte{})
	})
}

func (s *BadgerStore) GetMappings(ctx context.Context, refs []string) (map[string]Mapping, error) {
	result := make(map[string]Mapping, len(refs))
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, ref := range refs {
			var m Mapping
			err := getJSON(txn, key(prefixMapping, ref), &m)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			result[ref] = m
		}
		return nil
	})
	return result, err
}

func (s *BadgerStore) DeleteMappingsByOrigin(ctx context.Context, postRef string) (int, error) {
	n := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		prefix := key(prefixMapOrigin, postRef, "")
		var keys [][]byte
		if err := scanPrefix(txn, prefix, func(k, _ []byte) error {
			keys = append(keys, k)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			blockRef := string(k[len(prefix):])
			if err := txn.Delete(key(prefixMapping, blockRef)); err != nil {
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = len(keys)
		return nil
	})
	return n, err
}

func (s *BadgerStore) GetOrigin(ctx context.Context, ref string) (*Origin, error) {
	var o Origin
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixOrigin, ref), &o)
	}); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *BadgerStore) PutOrigin(ctx context.Context, o Origin) error {
	o.UpdatedAt = time.Now().UTC()
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(prefixOrigin, o.Ref), o)
	})
}

func (s *BadgerStore) DeleteOrigin(ctx context.Context, ref string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key(prefixOrigin, ref))
	})
}

func (s *BadgerStore) ReplaceUsage(ctx context.Context, postRef string, rows []Usage) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		prefix := key(prefixUsage, postRef, "")
		var stale []Usage
		if err := scanPrefix(txn, prefix, func(_, val []byte) error {
			var u Usage
			if err := json.Unmarshal(val, &u); err != nil {
				return err
			}
			stale = append(stale, u)
			return nil
		}); err != nil {
			return err
		}
		for _, u := range stale {
			if err := txn.Delete(key(prefixUsage, postRef, u.BlockRef, idPart(u.RuleID))); err != nil {
				return err
			}
			if err := txn.Delete(key(prefixUsageRule, idPart(u.RuleID), postRef, u.BlockRef)); err != nil {
				return err
			}
		}
		for _, u := range rows {
			u.PostRef = postRef
			if err := setJSON(txn, key(prefixUsage, postRef, u.BlockRef, idPart(u.RuleID)), u); err != nil {
				return err
			}
			if err := setJSON(txn, key(prefixUsageRule, idPart(u.RuleID), postRef, u.BlockRef), u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) ListUsage(ctx context.Context, ruleID int64) ([]Usage, error) {
	var result []Usage
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, key(prefixUsageRule, idPart(ruleID), ""), func(_, val []byte) error {
			var u Usage
			if err := json.Unmarshal(val, &u); err != nil {
				return err
			}
			result = append(result, u)
			return nil
		})
	})
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].PostRef != result[j].PostRef {
			return result[i].PostRef < result[j].PostRef
		}
		return result[i].BlockRef < result[j].BlockRef
	})
	return result, err
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}
