// Package output provides formatting options for analysis results
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

// Formatter defines the interface for output formatters
type Formatter interface {
	Format(result *models.Result) (string, error)
	Write(w io.Writer, result *models.Result) error
}

// TextFormatter formats results as human-readable text tables
type TextFormatter struct{}

// JSONFormatter formats results as JSON
type JSONFormatter struct {
	Pretty bool
}

// CSVFormatter formats the captured requests as CSV
type CSVFormatter struct{}

// NewFormatter creates a new formatter based on the format type
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "text", "":
		return &TextFormatter{}, nil
	case "json":
		return &JSONFormatter{Pretty: true}, nil
	case "csv":
		return &CSVFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// Format returns the formatted string
func (f *TextFormatter) Format(result *models.Result) (string, error) {
	var sb strings.Builder
	if err := f.Write(&sb, result); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Write writes the formatted output to the writer
func (f *TextFormatter) Write(w io.Writer, result *models.Result) error {
	separator := strings.Repeat("=", 80)
	lineSeparator := strings.Repeat("-", 80)

	fmt.Fprintf(w, "Analysis: %s\n", result.ID)
	fmt.Fprintln(w, separator)
	fmt.Fprintf(w, "%-18s %s\n", "URL:", result.URL)
	fmt.Fprintf(w, "%-18s %s\n", "Effective URL:", result.EffectiveURL)
	if title, ok := result.Metadata["title"].(string); ok && title != "" {
		fmt.Fprintf(w, "%-18s %s\n", "Title:", title)
	}
	fmt.Fprintf(w, "%-18s %s\n", "Safe Browsing:", safetyLabel(result.SecurityDetails.SafeBrowsing))
	fmt.Fprintf(w, "%-18s %s\n", "CT Logs:", transparencyLabel(result.SecurityDetails.TransparencyReport))
	if result.Certificate != nil {
		fmt.Fprintf(w, "%-18s %s (%s)\n", "Certificate:", result.Certificate.Issuer, result.Certificate.Protocol)
	}
	if result.Screenshot != nil {
		fmt.Fprintf(w, "%-18s %s\n", "Screenshot:", result.Screenshot.URL)
	}
	if result.Whois != nil && result.Whois.Registrar != "" {
		fmt.Fprintf(w, "%-18s %s\n", "Registrar:", result.Whois.Registrar)
	}
	fmt.Fprintln(w, separator)

	fmt.Fprintf(w, "%-30s %s\n", "Contacted Domain", "Addresses")
	fmt.Fprintln(w, lineSeparator)
	for _, host := range result.ContactedDomains {
		addrs := "-"
		if ips := result.DNS[host]; len(ips) > 0 {
			addrs = ips[0]
			if len(ips) > 1 {
				addrs = fmt.Sprintf("%s (+%d)", addrs, len(ips)-1)
			}
		}
		fmt.Fprintf(w, "%-30s %s\n", truncate(host, 28), addrs)
	}
	fmt.Fprintln(w, separator)

	fmt.Fprintf(w, "%-7s %-6s %-12s %s\n", "Method", "Status", "Type", "URL")
	fmt.Fprintln(w, lineSeparator)
	for _, req := range result.Requests {
		status := "-"
		if req.Response != nil {
			status = strconv.Itoa(req.Response.Status)
		}
		fmt.Fprintf(w, "%-7s %-6s %-12s %s\n", req.Method, status, req.ResourceType, truncate(req.URL, 60))
	}
	fmt.Fprintln(w, separator)

	fmt.Fprintf(w, "Captured %d requests | %d domains | %d URLs found | %d console messages\n",
		len(result.Requests),
		len(result.ContactedDomains),
		len(result.URLsFound),
		len(result.ConsoleOutput))

	return nil
}

func safetyLabel(v models.SafetyVerdict) string {
	switch {
	case !v.Checked:
		return "not checked"
	case v.Safe:
		return "✓ no matches"
	default:
		return fmt.Sprintf("✗ %d matches", len(v.Matches))
	}
}

func transparencyLabel(v models.TransparencyVerdict) string {
	if !v.Logged {
		return "not logged"
	}
	return fmt.Sprintf("%d certificates", v.CertificateCount)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Format returns the formatted string
func (f *JSONFormatter) Format(result *models.Result) (string, error) {
	var sb strings.Builder
	if err := f.Write(&sb, result); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Write writes the formatted output to the writer
func (f *JSONFormatter) Write(w io.Writer, result *models.Result) error {
	encoder := json.NewEncoder(w)
	if f.Pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(result)
}

// Format returns the formatted string
func (f *CSVFormatter) Format(result *models.Result) (string, error) {
	var sb strings.Builder
	if err := f.Write(&sb, result); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Write writes one row per captured request
func (f *CSVFormatter) Write(w io.Writer, result *models.Result) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{"analysis_id", "request_id", "method", "url", "resource_type", "status", "mime_type", "body_bytes"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, req := range result.Requests {
		status, mimeType, bodyBytes := "", "", ""
		if resp := req.Response; resp != nil {
			status = strconv.Itoa(resp.Status)
			mimeType = resp.MimeType
			if resp.Body != nil {
				bodyBytes = strconv.Itoa(len(*resp.Body))
			}
		}

		row := []string{result.ID, req.ID, req.Method, req.URL, req.ResourceType, status, mimeType, bodyBytes}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return nil
}
