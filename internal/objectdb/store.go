// Package objectdb persists managed objects. Each object is one blob in an
// objectstore.Store under objects/<zero-padded id>; the blob is the JSON
// encoding of the object, compressed with the configured codec.
package objectdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dray-io/heapd/internal/heaperr"
	"github.com/dray-io/heapd/internal/logging"
	"github.com/dray-io/heapd/internal/object"
	"github.com/dray-io/heapd/internal/objectstore"
)

// ObjectsPrefix is the key prefix of every object blob.
const ObjectsPrefix = "objects/"

const contentType = "application/octet-stream"

// Store is the persistent object store the object manager faults objects
// in from and commits released changes to.
type Store interface {
	// LoadObjectByID returns the durable state of id, or an error
	// matching heaperr.ErrNotFound when it does not exist.
	LoadObjectByID(ctx context.Context, id object.ID) (*object.ManagedObject, error)

	// DeleteObjects removes ids in ascending order. Absent IDs are skipped,
	// so a partially applied call can be repeated.
	DeleteObjects(ctx context.Context, ids []object.ID) error

	// Commit durably writes every object of tx. A transaction can be
	// committed once; a second call returns heaperr.ErrAlreadyCommitted.
	Commit(ctx context.Context, tx *Transaction) error

	// ListObjectIDs returns the IDs of every stored object in order.
	ListObjectIDs(ctx context.Context) ([]object.ID, error)
}

// Config configures a BlobStore.
type Config struct {
	Codec Codec
	// WriteConcurrency bounds parallel blob writes of one commit.
	WriteConcurrency int
	Logger           *logging.Logger
}

// BlobStore implements Store over an objectstore.Store.
type BlobStore struct {
	blobs       objectstore.Store
	codec       Codec
	concurrency int
	logger      *logging.Logger
}

// New creates a BlobStore.
func New(blobs objectstore.Store, cfg Config) *BlobStore {
	if cfg.WriteConcurrency <= 0 {
		cfg.WriteConcurrency = 8
	}
	return &BlobStore{
		blobs:       blobs,
		codec:       cfg.Codec,
		concurrency: cfg.WriteConcurrency,
		logger:      logging.OrGlobal(cfg.Logger).WithComponent("objectdb"),
	}
}

// NewMemory returns a BlobStore over an in-memory blob store.
func NewMemory() *BlobStore {
	return New(objectstore.NewMockStore(), Config{Codec: CodecSnappy})
}

// ObjectKey returns the blob key of id.
func ObjectKey(id object.ID) string {
	return ObjectsPrefix + id.Key()
}

func (s *BlobStore) LoadObjectByID(ctx context.Context, id object.ID) (*object.ManagedObject, error) {
	rc, err := s.blobs.Get(ctx, ObjectKey(id))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, &heaperr.ObjectError{Op: "load", ID: id, Err: heaperr.ErrNotFound}
		}
		return nil, &heaperr.ObjectError{Op: "load", ID: id, Err: err}
	}
	defer rc.Close()

	blob, err := io.ReadAll(rc)
	if err != nil {
		return nil, &heaperr.ObjectError{Op: "load", ID: id, Err: err}
	}
	data, err := decodeBlob(blob)
	if err != nil {
		return nil, &heaperr.ObjectError{Op: "load", ID: id, Err: err}
	}
	var obj object.ManagedObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &heaperr.ObjectError{Op: "load", ID: id, Err: err}
	}
	if obj.ID != id {
		return nil, &heaperr.ObjectError{Op: "load", ID: id, Err: fmt.Errorf("blob holds %s", obj.ID)}
	}
	return &obj, nil
}

func (s *BlobStore) DeleteObjects(ctx context.Context, ids []object.ID) error {
	if len(ids) == 0 {
		return nil
	}
	sorted := append([]object.ID(nil), ids...)
	object.SortIDs(sorted)
	keys := make([]string, len(sorted))
	for i, id := range sorted {
		keys[i] = ObjectKey(id)
	}
	if err := s.blobs.DeleteMany(ctx, keys); err != nil {
		return fmt.Errorf("objectdb: delete %d objects: %w", len(keys), err)
	}
	return nil
}

func (s *BlobStore) Commit(ctx context.Context, tx *Transaction) error {
	if err := tx.markCommitted(); err != nil {
		s.logger.Errorf("transaction committed twice", map[string]any{"gtx": uint64(tx.GlobalID)})
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, obj := range tx.Objects() {
		g.Go(func() error {
			return s.write(gctx, obj)
		})
	}
	if err := g.Wait(); err != nil {
		tx.unmarkCommitted()
		return err
	}
	return nil
}

func (s *BlobStore) write(ctx context.Context, obj *object.ManagedObject) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return &heaperr.ObjectError{Op: "commit", ID: obj.ID, Err: err}
	}
	blob, err := encodeBlob(s.codec, data)
	if err != nil {
		return &heaperr.ObjectError{Op: "commit", ID: obj.ID, Err: err}
	}
	if err := s.blobs.Put(ctx, ObjectKey(obj.ID), bytes.NewReader(blob), int64(len(blob)), contentType); err != nil {
		return &heaperr.ObjectError{Op: "commit", ID: obj.ID, Err: err}
	}
	return nil
}

func (s *BlobStore) ListObjectIDs(ctx context.Context) ([]object.ID, error) {
	metas, err := s.blobs.List(ctx, ObjectsPrefix)
	if err != nil {
		return nil, fmt.Errorf("objectdb: list: %w", err)
	}
	ids := make([]object.ID, 0, len(metas))
	for _, m := range metas {
		id, err := object.ParseID(strings.TrimPrefix(m.Key, ObjectsPrefix))
		if err != nil {
			s.logger.Warnf("ignoring foreign blob", map[string]any{"key": m.Key})
			continue
		}
		ids = append(ids, id)
	}
	object.SortIDs(ids)
	return ids, nil
}

var _ Store = (*BlobStore)(nil)
