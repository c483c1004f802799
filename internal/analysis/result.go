package analysis

import (
	"github.com/commjoen/urlanalyzer/pkg/models"
)

// JoinResponses attaches each request's response by its response id. Requests
// whose response is missing keep a nil Response.
func JoinResponses(requests []models.Request, responses []models.Response) []models.Request {
	byID := make(map[string]*models.Response, len(responses))
	for i := range responses {
		byID[responses[i].ID] = &responses[i]
	}

	joined := make([]models.Request, len(requests))
	for i, req := range requests {
		req.Response = nil
		if req.ResponseID != nil {
			if resp, ok := byID[*req.ResponseID]; ok {
				r := *resp
				req.Response = &r
			}
		}
		joined[i] = req
	}
	return joined
}

// BuildResult converts a persisted analysis and its joined requests into the
// public result shape. Requests are ordered by the analysis' request ids;
// requests not listed there are dropped.
func BuildResult(a *models.Analysis, requests []models.Request, cert *models.CertificateDetails) *models.Result {
	byID := make(map[string]models.Request, len(requests))
	for _, r := range requests {
		byID[r.ID] = r
	}

	ordered := make([]models.Request, 0, len(a.RequestIDs))
	for _, id := range a.RequestIDs {
		if r, ok := byID[id]; ok {
			ordered = append(ordered, r)
		}
	}

	return &models.Result{
		ID:               a.ID,
		URL:              a.URL,
		EffectiveURL:     a.EffectiveURL,
		Body:             a.Body,
		Metadata:         a.Metadata,
		Cookies:          a.Cookies,
		ConsoleOutput:    a.ConsoleOutput,
		ContactedDomains: a.ContactedDomains,
		URLsFound:        a.URLsFound,
		DNS:              a.DNS,
		SecurityDetails:  a.SecurityDetails,
		Screenshot:       a.Screenshot,
		Whois:            a.Whois,
		Certificate:      cert,
		Requests:         ordered,
		RequestIDs:       a.RequestIDs,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}
