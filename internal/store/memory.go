package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

// Memory is an in-process Store used by one-off scans and tests. Records are
// stored as JSON so reads never alias the caller's values.
type Memory struct {
	mu           sync.RWMutex
	analyses     map[string][]byte
	requests     map[string][][]byte
	responses    map[string][][]byte
	certificates map[string][]byte
	certOrder    []string
	now          func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		analyses:     make(map[string][]byte),
		requests:     make(map[string][][]byte),
		responses:    make(map[string][][]byte),
		certificates: make(map[string][]byte),
		now:          time.Now,
	}
}

func (m *Memory) timestamp() time.Time {
	// same precision as a timestamptz column
	return m.now().UTC().Truncate(time.Microsecond)
}

func roundTrip[T any](v *T) ([]byte, *T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, nil, err
	}
	return raw, out, nil
}

func decode[T any](raw []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Memory) CreateAnalysis(_ context.Context, a *models.Analysis) (*models.Analysis, error) {
	row := *a
	row.CreatedAt = m.timestamp()
	row.UpdatedAt = row.CreatedAt

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.analyses[row.ID]; exists {
		return nil, fmt.Errorf("failed to create analysis: duplicate id %s", row.ID)
	}
	raw, stored, err := roundTrip(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis: %w", err)
	}
	m.analyses[row.ID] = raw
	return stored, nil
}

func (m *Memory) GetAnalysis(_ context.Context, id string) (*models.Analysis, error) {
	m.mu.RLock()
	raw, ok := m.analyses[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode[models.Analysis](raw)
}

func (m *Memory) CreateRequest(_ context.Context, r *models.Request) (*models.Request, error) {
	row := *r
	row.Response = nil
	row.CreatedAt = m.timestamp()

	raw, stored, err := roundTrip(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	m.mu.Lock()
	m.requests[row.ParentID] = append(m.requests[row.ParentID], raw)
	m.mu.Unlock()
	return stored, nil
}

func (m *Memory) ListRequests(_ context.Context, parentID string) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Request, 0, len(m.requests[parentID]))
	for _, raw := range m.requests[parentID] {
		r, err := decode[models.Request](raw)
		if err != nil {
			return nil, fmt.Errorf("failed to list requests: %w", err)
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *Memory) CreateResponse(_ context.Context, r *models.Response) (*models.Response, error) {
	row := *r
	row.CreatedAt = m.timestamp()

	raw, stored, err := roundTrip(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to create response: %w", err)
	}

	m.mu.Lock()
	m.responses[row.ParentID] = append(m.responses[row.ParentID], raw)
	m.mu.Unlock()
	return stored, nil
}

func (m *Memory) ListResponses(_ context.Context, parentID string) ([]models.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Response, 0, len(m.responses[parentID]))
	for _, raw := range m.responses[parentID] {
		r, err := decode[models.Response](raw)
		if err != nil {
			return nil, fmt.Errorf("failed to list responses: %w", err)
		}
		out = append(out, *r)
	}
	return out, nil
}

func (m *Memory) CreateCertificate(_ context.Context, c *models.CertificateDetails) (*models.CertificateDetails, error) {
	row := *c
	row.CreatedAt = m.timestamp()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.certificates[row.ID]; exists {
		return nil, fmt.Errorf("failed to create certificate details: duplicate id %s", row.ID)
	}
	raw, stored, err := roundTrip(&row)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate details: %w", err)
	}
	m.certificates[row.ID] = raw
	m.certOrder = append(m.certOrder, row.ID)
	return stored, nil
}

func (m *Memory) ListCertificates(_ context.Context, parentID string) ([]models.CertificateDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.CertificateDetails
	for _, id := range m.certOrder {
		c, err := decode[models.CertificateDetails](m.certificates[id])
		if err != nil {
			return nil, fmt.Errorf("failed to list certificate details: %w", err)
		}
		if c.ParentID == parentID {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetCertificate(_ context.Context, id string) (*models.CertificateDetails, error) {
	m.mu.RLock()
	raw, ok := m.certificates[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode[models.CertificateDetails](raw)
}
