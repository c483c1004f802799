package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25

	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5

	// DefaultConnMaxLifetime is the default maximum lifetime of a connection
	DefaultConnMaxLifetime = 5 * time.Minute

	// DefaultPingTimeout is the default timeout for pinging the database
	DefaultPingTimeout = 5 * time.Second
)

const (
	analysisColumns = `id, url, effective_url, body, metadata, cookies, console_output, contacted_domains,
		urls_found, dns, security_details, certificate_id, screenshot, whois, request_ids, created_at, updated_at`
	requestColumns     = `id, parent_id, nonce, method, url, headers, resource_type, response_id, created_at`
	responseColumns    = `id, parent_id, url, status, status_text, headers, mime_type, remote_address, timing, body, created_at`
	certificateColumns = `id, parent_id, subject_name, issuer, protocol, valid_from, valid_to, certificates, created_at`
)

// Connect opens a pooled PostgreSQL connection and verifies it
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	return db, nil
}

// Postgres implements Store on PostgreSQL
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgres creates a store on an open connection
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, now: time.Now}
}

type analysisRow struct {
	ID               string                             `db:"id"`
	URL              string                             `db:"url"`
	EffectiveURL     string                             `db:"effective_url"`
	Body             string                             `db:"body"`
	Metadata         jsonColumn[map[string]any]         `db:"metadata"`
	Cookies          jsonColumn[[]models.Cookie]        `db:"cookies"`
	ConsoleOutput    jsonColumn[[]models.ConsoleEntry]  `db:"console_output"`
	ContactedDomains pq.StringArray                     `db:"contacted_domains"`
	URLsFound        pq.StringArray                     `db:"urls_found"`
	DNS              jsonColumn[map[string][]string]    `db:"dns"`
	SecurityDetails  jsonColumn[models.SecurityDetails] `db:"security_details"`
	CertificateID    string                             `db:"certificate_id"`
	Screenshot       jsonColumn[*models.Screenshot]     `db:"screenshot"`
	Whois            jsonColumn[*models.WhoisSummary]   `db:"whois"`
	RequestIDs       pq.StringArray                     `db:"request_ids"`
	CreatedAt        time.Time                          `db:"created_at"`
	UpdatedAt        time.Time                          `db:"updated_at"`
}

func (r *analysisRow) model() *models.Analysis {
	return &models.Analysis{
		ID:               r.ID,
		URL:              r.URL,
		EffectiveURL:     r.EffectiveURL,
		Body:             r.Body,
		Metadata:         r.Metadata.V,
		Cookies:          r.Cookies.V,
		ConsoleOutput:    r.ConsoleOutput.V,
		ContactedDomains: []string(r.ContactedDomains),
		URLsFound:        []string(r.URLsFound),
		DNS:              r.DNS.V,
		SecurityDetails:  r.SecurityDetails.V,
		CertificateID:    r.CertificateID,
		Screenshot:       r.Screenshot.V,
		Whois:            r.Whois.V,
		RequestIDs:       []string(r.RequestIDs),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type requestRow struct {
	ID           string                        `db:"id"`
	ParentID     string                        `db:"parent_id"`
	Nonce        sql.NullString                `db:"nonce"`
	Method       string                        `db:"method"`
	URL          string                        `db:"url"`
	Headers      jsonColumn[map[string]string] `db:"headers"`
	ResourceType string                        `db:"resource_type"`
	ResponseID   sql.NullString                `db:"response_id"`
	CreatedAt    time.Time                     `db:"created_at"`
}

func (r *requestRow) model() *models.Request {
	return &models.Request{
		ID:           r.ID,
		ParentID:     r.ParentID,
		Nonce:        nullable(r.Nonce),
		Method:       r.Method,
		URL:          r.URL,
		Headers:      r.Headers.V,
		ResourceType: r.ResourceType,
		ResponseID:   nullable(r.ResponseID),
		CreatedAt:    r.CreatedAt,
	}
}

type responseRow struct {
	ID            string                         `db:"id"`
	ParentID      string                         `db:"parent_id"`
	URL           string                         `db:"url"`
	Status        int                            `db:"status"`
	StatusText    string                         `db:"status_text"`
	Headers       jsonColumn[map[string]string]  `db:"headers"`
	MimeType      string                         `db:"mime_type"`
	RemoteAddress string                         `db:"remote_address"`
	Timing        jsonColumn[map[string]float64] `db:"timing"`
	Body          sql.NullString                 `db:"body"`
	CreatedAt     time.Time                      `db:"created_at"`
}

func (r *responseRow) model() *models.Response {
	return &models.Response{
		ID:            r.ID,
		ParentID:      r.ParentID,
		URL:           r.URL,
		Status:        r.Status,
		StatusText:    r.StatusText,
		Headers:       r.Headers.V,
		MimeType:      r.MimeType,
		RemoteAddress: r.RemoteAddress,
		Timing:        r.Timing.V,
		Body:          nullable(r.Body),
		CreatedAt:     r.CreatedAt,
	}
}

type certificateRow struct {
	ID           string                           `db:"id"`
	ParentID     string                           `db:"parent_id"`
	SubjectName  string                           `db:"subject_name"`
	Issuer       string                           `db:"issuer"`
	Protocol     string                           `db:"protocol"`
	ValidFrom    int64                            `db:"valid_from"`
	ValidTo      int64                            `db:"valid_to"`
	Certificates jsonColumn[[]models.Certificate] `db:"certificates"`
	CreatedAt    time.Time                        `db:"created_at"`
}

func (r *certificateRow) model() *models.CertificateDetails {
	return &models.CertificateDetails{
		ID:           r.ID,
		ParentID:     r.ParentID,
		SubjectName:  r.SubjectName,
		Issuer:       r.Issuer,
		Protocol:     r.Protocol,
		ValidFrom:    r.ValidFrom,
		ValidTo:      r.ValidTo,
		Certificates: r.Certificates.V,
		CreatedAt:    r.CreatedAt,
	}
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// stringArray keeps nil slices out of NOT NULL array columns
func stringArray(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CreateAnalysis inserts an analysis and returns the stored row
func (p *Postgres) CreateAnalysis(ctx context.Context, a *models.Analysis) (*models.Analysis, error) {
	now := p.now().UTC()
	query := `
		INSERT INTO analyses (` + analysisColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + analysisColumns

	row := &analysisRow{}
	err := p.db.QueryRowxContext(
		ctx, query,
		a.ID, a.URL, a.EffectiveURL, a.Body,
		jsonColumn[map[string]any]{V: a.Metadata},
		jsonColumn[[]models.Cookie]{V: a.Cookies},
		jsonColumn[[]models.ConsoleEntry]{V: a.ConsoleOutput},
		stringArray(a.ContactedDomains),
		stringArray(a.URLsFound),
		jsonColumn[map[string][]string]{V: a.DNS},
		jsonColumn[models.SecurityDetails]{V: a.SecurityDetails},
		a.CertificateID,
		jsonColumn[*models.Screenshot]{V: a.Screenshot},
		jsonColumn[*models.WhoisSummary]{V: a.Whois},
		stringArray(a.RequestIDs),
		now, now,
	).StructScan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis: %w", err)
	}

	return row.model(), nil
}

// GetAnalysis retrieves an analysis by ID
func (p *Postgres) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	row := &analysisRow{}
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE id = $1`

	if err := p.db.GetContext(ctx, row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	return row.model(), nil
}

// CreateRequest inserts a captured request
func (p *Postgres) CreateRequest(ctx context.Context, r *models.Request) (*models.Request, error) {
	query := `
		INSERT INTO requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + requestColumns

	row := &requestRow{}
	err := p.db.QueryRowxContext(
		ctx, query,
		r.ID, r.ParentID, nullString(r.Nonce), r.Method, r.URL,
		jsonColumn[map[string]string]{V: r.Headers},
		r.ResourceType, nullString(r.ResponseID), p.now().UTC(),
	).StructScan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return row.model(), nil
}

// ListRequests returns the requests of an analysis in insertion order
func (p *Postgres) ListRequests(ctx context.Context, parentID string) ([]models.Request, error) {
	rows := []requestRow{}
	query := `SELECT ` + requestColumns + ` FROM requests WHERE parent_id = $1 ORDER BY created_at, id`

	if err := p.db.SelectContext(ctx, &rows, query, parentID); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	requests := make([]models.Request, 0, len(rows))
	for i := range rows {
		requests = append(requests, *rows[i].model())
	}
	return requests, nil
}

// CreateResponse inserts a captured response
func (p *Postgres) CreateResponse(ctx context.Context, r *models.Response) (*models.Response, error) {
	query := `
		INSERT INTO responses (` + responseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + responseColumns

	row := &responseRow{}
	err := p.db.QueryRowxContext(
		ctx, query,
		r.ID, r.ParentID, r.URL, r.Status, r.StatusText,
		jsonColumn[map[string]string]{V: r.Headers},
		r.MimeType, r.RemoteAddress,
		jsonColumn[map[string]float64]{V: r.Timing},
		nullString(r.Body), p.now().UTC(),
	).StructScan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create response: %w", err)
	}

	return row.model(), nil
}

// ListResponses returns the responses of an analysis
func (p *Postgres) ListResponses(ctx context.Context, parentID string) ([]models.Response, error) {
	rows := []responseRow{}
	query := `SELECT ` + responseColumns + ` FROM responses WHERE parent_id = $1 ORDER BY created_at, id`

	if err := p.db.SelectContext(ctx, &rows, query, parentID); err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}

	responses := make([]models.Response, 0, len(rows))
	for i := range rows {
		responses = append(responses, *rows[i].model())
	}
	return responses, nil
}

// CreateCertificate inserts the certificate details of an analysis
func (p *Postgres) CreateCertificate(ctx context.Context, c *models.CertificateDetails) (*models.CertificateDetails, error) {
	query := `
		INSERT INTO certificate_details (` + certificateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + certificateColumns

	row := &certificateRow{}
	err := p.db.QueryRowxContext(
		ctx, query,
		c.ID, c.ParentID, c.SubjectName, c.Issuer, c.Protocol, c.ValidFrom, c.ValidTo,
		jsonColumn[[]models.Certificate]{V: c.Certificates},
		p.now().UTC(),
	).StructScan(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate details: %w", err)
	}

	return row.model(), nil
}

// ListCertificates returns the certificate details recorded for an analysis
func (p *Postgres) ListCertificates(ctx context.Context, parentID string) ([]models.CertificateDetails, error) {
	rows := []certificateRow{}
	query := `SELECT ` + certificateColumns + ` FROM certificate_details WHERE parent_id = $1 ORDER BY created_at`

	if err := p.db.SelectContext(ctx, &rows, query, parentID); err != nil {
		return nil, fmt.Errorf("failed to list certificate details: %w", err)
	}

	certs := make([]models.CertificateDetails, 0, len(rows))
	for i := range rows {
		certs = append(certs, *rows[i].model())
	}
	return certs, nil
}

// GetCertificate retrieves certificate details by ID
func (p *Postgres) GetCertificate(ctx context.Context, id string) (*models.CertificateDetails, error) {
	row := &certificateRow{}
	query := `SELECT ` + certificateColumns + ` FROM certificate_details WHERE id = $1`

	if err := p.db.GetContext(ctx, row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get certificate details: %w", err)
	}

	return row.model(), nil
}
