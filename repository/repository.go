// Package repository persists data source descriptors. The update
// engine only sees the Repository interface; a JetStream KV
// implementation backs production and an in-memory one backs tests.
package repository

import (
	"context"

	"github.com/Normation/rudder-plugin-datasources/datasource"
)

// Repository stores data source descriptors by id
type Repository interface {
	// GetAllIDs lists every stored descriptor id
	GetAllIDs(ctx context.Context) ([]datasource.ID, error)
	// GetAll loads every stored descriptor
	GetAll(ctx context.Context) ([]*datasource.DataSource, error)
	// Get loads one descriptor, errors.ErrSourceNotFound if absent
	Get(ctx context.Context, id datasource.ID) (*datasource.DataSource, error)
	// Save creates or replaces a descriptor
	Save(ctx context.Context, ds *datasource.DataSource) error
	// Delete removes a descriptor, errors.ErrSourceNotFound if absent
	Delete(ctx context.Context, id datasource.ID) error
}
