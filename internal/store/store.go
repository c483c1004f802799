// Package store persists analyses, captured requests/responses and certificate details
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store is the persistence API consumed by the analyzer. Every call is atomic on its own.
type Store interface {
	CreateAnalysis(ctx context.Context, a *models.Analysis) (*models.Analysis, error)
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)

	CreateRequest(ctx context.Context, r *models.Request) (*models.Request, error)
	ListRequests(ctx context.Context, parentID string) ([]models.Request, error)

	CreateResponse(ctx context.Context, r *models.Response) (*models.Response, error)
	ListResponses(ctx context.Context, parentID string) ([]models.Response, error)

	CreateCertificate(ctx context.Context, c *models.CertificateDetails) (*models.CertificateDetails, error)
	ListCertificates(ctx context.Context, parentID string) ([]models.CertificateDetails, error)
	GetCertificate(ctx context.Context, id string) (*models.CertificateDetails, error)
}

// jsonColumn stores a value in a JSONB column
type jsonColumn[T any] struct {
	V T
}

func (j jsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.V)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

func (j *jsonColumn[T]) Scan(src any) error {
	var zero T
	j.V = zero

	var raw []byte
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = s
	case string:
		raw = []byte(s)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}

	if err := json.Unmarshal(raw, &j.V); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
