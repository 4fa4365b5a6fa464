package repository

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/natsclient"
)

// KVRepository persists descriptors in a JetStream key-value bucket, one
// key per source id, values in the wire format.
type KVRepository struct {
	store *natsclient.KVStore
}

// NewKV creates a repository over an existing KV store
func NewKV(store *natsclient.KVStore) *KVRepository {
	return &KVRepository{store: store}
}

// GetAllIDs lists stored ids
func (r *KVRepository) GetAllIDs(ctx context.Context) ([]datasource.ID, error) {
	keys, err := r.store.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Repository", "GetAllIDs", "list keys")
	}

	ids := make([]datasource.ID, len(keys))
	for i, key := range keys {
		ids[i] = datasource.ID(key)
	}
	return ids, nil
}

// GetAll loads every descriptor. A descriptor that no longer parses is
// reported, not silently skipped.
func (r *KVRepository) GetAll(ctx context.Context) ([]*datasource.DataSource, error) {
	ids, err := r.GetAllIDs(ctx)
	if err != nil {
		return nil, err
	}

	sources := make([]*datasource.DataSource, 0, len(ids))
	for _, id := range ids {
		ds, err := r.Get(ctx, id)
		if err != nil {
			if stderrors.Is(err, errors.ErrSourceNotFound) {
				// deleted between Keys and Get
				continue
			}
			return nil, fmt.Errorf("loading data source %q: %w", id, err)
		}
		sources = append(sources, ds)
	}
	return sources, nil
}

// Get loads one descriptor
func (r *KVRepository) Get(ctx context.Context, id datasource.ID) (*datasource.DataSource, error) {
	entry, err := r.store.Get(ctx, string(id))
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.ErrSourceNotFound
		}
		return nil, errors.WrapTransient(err, "Repository", "Get", "read descriptor "+string(id))
	}
	return datasource.Deserialize(entry.Value)
}

// Save creates or replaces a descriptor
func (r *KVRepository) Save(ctx context.Context, ds *datasource.DataSource) error {
	data, err := datasource.Serialize(ds)
	if err != nil {
		return err
	}

	if _, err := r.store.Put(ctx, string(ds.ID), data); err != nil {
		return errors.WrapTransient(err, "Repository", "Save", "write descriptor "+string(ds.ID))
	}
	return nil
}

// Delete removes a descriptor
func (r *KVRepository) Delete(ctx context.Context, id datasource.ID) error {
	if _, err := r.store.Get(ctx, string(id)); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.ErrSourceNotFound
		}
		return errors.WrapTransient(err, "Repository", "Delete", "read descriptor "+string(id))
	}

	if err := r.store.Delete(ctx, string(id)); err != nil {
		return errors.WrapTransient(err, "Repository", "Delete", "delete descriptor "+string(id))
	}
	return nil
}
