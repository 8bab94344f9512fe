package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/armon/go-radix"
	"github.com/mitchellh/copystructure"

	"github.com/stephnangue/latch/appcred"
	log "github.com/stephnangue/latch/logger"
	"github.com/stephnangue/latch/logical"
	"github.com/stephnangue/latch/storage"
)

var _ storage.Backend = (*InmemStorage)(nil)

var (
	ErrWriteDisabled = errors.New("write operations disabled in inmem storage")
	ErrReadDisabled  = errors.New("read operations disabled in inmem storage")
)

// InmemStorage is an in-memory only Backend. It is useful for testing and
// development situations where the data is not expected to be durable.
//
// A single RWMutex guards every index, so each write is atomic with respect
// to the uniqueness checks it performs.
type InmemStorage struct {
	sync.RWMutex

	// creds maps credential id to record.
	creds map[string]*appcred.Record

	// owners indexes "<user_id>/<seq>" to credential id. Walking a user's
	// prefix yields their credentials in insertion order.
	owners *radix.Tree
	ownKey map[string]string

	// names enforces (user_id, project_id, name) uniqueness.
	names map[nameKey]string

	tokens map[string]*logical.TokenEntry

	seq       uint64
	logger    log.Logger
	failWrite *uint32
	failRead  *uint32
	logOps    bool
}

type nameKey struct {
	user, project, name string
}

// NewInmem constructs a new in-memory storage. The only option is
// "log_all_ops" which traces every operation.
func NewInmem(conf map[string]string, logger log.Logger) (storage.Backend, error) {
	return newInmem(conf, logger), nil
}

func newInmem(conf map[string]string, logger log.Logger) *InmemStorage {
	return &InmemStorage{
		creds:     make(map[string]*appcred.Record),
		owners:    radix.New(),
		ownKey:    make(map[string]string),
		names:     make(map[nameKey]string),
		tokens:    make(map[string]*logical.TokenEntry),
		logger:    logger,
		failWrite: new(uint32),
		failRead:  new(uint32),
		logOps:    conf["log_all_ops"] == "true",
	}
}

func (i *InmemStorage) trace(op, key string) {
	if i.logOps && i.logger != nil {
		i.logger.Trace(op, log.String("key", key))
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// CreateCredential inserts rec, failing with appcred.ErrConflict when the id
// or the (user, project, name) triple is taken.
func (i *InmemStorage) CreateCredential(ctx context.Context, rec *appcred.Record) error {
	i.trace("create-credential", rec.ID)
	if atomic.LoadUint32(i.failWrite) != 0 {
		return ErrWriteDisabled
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	cp, err := copyRecord(rec)
	if err != nil {
		return err
	}

	i.Lock()
	defer i.Unlock()

	if _, ok := i.creds[rec.ID]; ok {
		return appcred.ErrConflict
	}
	nk := nameKey{rec.UserID, rec.ProjectID, rec.Name}
	if _, ok := i.names[nk]; ok {
		return appcred.ErrConflict
	}

	i.seq++
	key := fmt.Sprintf("%s/%020d", rec.UserID, i.seq)
	i.creds[rec.ID] = cp
	i.names[nk] = rec.ID
	i.owners.Insert(key, rec.ID)
	i.ownKey[rec.ID] = key
	return nil
}

// GetCredential returns a copy of the record with the given id.
func (i *InmemStorage) GetCredential(ctx context.Context, id string) (*appcred.Record, error) {
	i.trace("get-credential", id)
	if atomic.LoadUint32(i.failRead) != 0 {
		return nil, ErrReadDisabled
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	i.RLock()
	rec, ok := i.creds[id]
	i.RUnlock()
	if !ok {
		return nil, appcred.ErrNotFound
	}
	return copyRecord(rec)
}

// ListCredentials returns the user's records in insertion order.
func (i *InmemStorage) ListCredentials(ctx context.Context, userID string, filter appcred.ListFilter) ([]*appcred.Record, error) {
	i.trace("list-credentials", userID)
	if atomic.LoadUint32(i.failRead) != 0 {
		return nil, ErrReadDisabled
	}

	i.RLock()
	var matched []*appcred.Record
	i.owners.WalkPrefix(userID+"/", func(_ string, v interface{}) bool {
		rec := i.creds[v.(string)]
		// ids containing "/" share a prefix with their parent
		if rec.UserID != userID {
			return false
		}
		if filter.Name == "" || rec.Name == filter.Name {
			matched = append(matched, rec)
		}
		return false
	})
	i.RUnlock()

	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	out := make([]*appcred.Record, 0, len(matched))
	for _, rec := range matched {
		cp, err := copyRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteCredential removes the record with the given id.
func (i *InmemStorage) DeleteCredential(ctx context.Context, id string) error {
	i.trace("delete-credential", id)
	if atomic.LoadUint32(i.failWrite) != 0 {
		return ErrWriteDisabled
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	i.Lock()
	defer i.Unlock()

	rec, ok := i.creds[id]
	if !ok {
		return appcred.ErrNotFound
	}
	delete(i.creds, id)
	delete(i.names, nameKey{rec.UserID, rec.ProjectID, rec.Name})
	i.owners.Delete(i.ownKey[id])
	delete(i.ownKey, id)
	return nil
}

// PutToken stores or replaces a token entry.
func (i *InmemStorage) PutToken(ctx context.Context, entry *logical.TokenEntry) error {
	i.trace("put-token", entry.Accessor)
	if atomic.LoadUint32(i.failWrite) != 0 {
		return ErrWriteDisabled
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	cp, err := copystructure.Copy(entry)
	if err != nil {
		return fmt.Errorf("copying token entry: %w", err)
	}

	i.Lock()
	i.tokens[entry.ID] = cp.(*logical.TokenEntry)
	i.Unlock()
	return nil
}

// GetToken returns the token entry with the given id.
func (i *InmemStorage) GetToken(ctx context.Context, id string) (*logical.TokenEntry, error) {
	if atomic.LoadUint32(i.failRead) != 0 {
		return nil, ErrReadDisabled
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	i.RLock()
	entry, ok := i.tokens[id]
	i.RUnlock()
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	cp, err := copystructure.Copy(entry)
	if err != nil {
		return nil, fmt.Errorf("copying token entry: %w", err)
	}
	return cp.(*logical.TokenEntry), nil
}

// DeleteToken removes the token entry with the given id.
func (i *InmemStorage) DeleteToken(ctx context.Context, id string) error {
	if atomic.LoadUint32(i.failWrite) != 0 {
		return ErrWriteDisabled
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	i.Lock()
	defer i.Unlock()
	if _, ok := i.tokens[id]; !ok {
		return storage.ErrTokenNotFound
	}
	delete(i.tokens, id)
	return nil
}

// Close drops all state.
func (i *InmemStorage) Close() error {
	i.Lock()
	defer i.Unlock()
	i.creds = make(map[string]*appcred.Record)
	i.owners = radix.New()
	i.ownKey = make(map[string]string)
	i.names = make(map[nameKey]string)
	i.tokens = make(map[string]*logical.TokenEntry)
	return nil
}

// FailWrites makes every mutating operation fail.
func (i *InmemStorage) FailWrites(fail bool) {
	var val uint32
	if fail {
		val = 1
	}
	atomic.StoreUint32(i.failWrite, val)
}

// FailReads makes every read operation fail.
func (i *InmemStorage) FailReads(fail bool) {
	var val uint32
	if fail {
		val = 1
	}
	atomic.StoreUint32(i.failRead, val)
}

func copyRecord(rec *appcred.Record) (*appcred.Record, error) {
	cp, err := copystructure.Copy(rec)
	if err != nil {
		return nil, fmt.Errorf("copying credential: %w", err)
	}
	return cp.(*appcred.Record), nil
}
