// Package metadata extracts page metadata and referenced URLs from captured HTML
package metadata

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// urlPattern matches absolute http(s) URLs embedded anywhere in markup
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)

// Extract parses html and returns the page metadata. Every known key is present;
// missing values are nil. Relative image and icon references are resolved
// against pageURL.
func Extract(pageURL, html string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	base, _ := url.Parse(pageURL)

	md := map[string]any{
		"title":       firstOf(metaContent(doc, "og:title", "twitter:title"), text(doc, "title")),
		"description": firstOf(metaContent(doc, "og:description", "twitter:description", "description")),
		"language":    firstOf(attr(doc, "html", "lang"), metaContent(doc, "og:locale", "language")),
		"type":        firstOf(metaContent(doc, "og:type")),
		"url":         firstOf(resolve(base, attr(doc, "link[rel='canonical']", "href")), resolve(base, metaContent(doc, "og:url")), pageURL),
		"provider":    firstOf(metaContent(doc, "og:site_name"), hostname(base)),
		"keywords":    keywords(metaContent(doc, "keywords")),
		"section":     firstOf(metaContent(doc, "article:section")),
		"author":      firstOf(metaContent(doc, "author", "article:author", "twitter:creator")),
		"published":   firstOf(metaContent(doc, "article:published_time", "date", "pubdate")),
		"modified":    firstOf(metaContent(doc, "article:modified_time", "og:updated_time")),
		"robots":      firstOf(metaContent(doc, "robots")),
		"copyright":   firstOf(metaContent(doc, "copyright")),
		"email":       firstOf(metaContent(doc, "email", "reply-to")),
		"twitter":     firstOf(metaContent(doc, "twitter:site")),
		"facebook":    firstOf(metaContent(doc, "fb:app_id")),
		"image":       firstOf(resolve(base, metaContent(doc, "og:image", "og:image:url", "twitter:image"))),
		"icon":        firstOf(resolve(base, attr(doc, "link[rel='icon'], link[rel='shortcut icon'], link[rel='apple-touch-icon']", "href"))),
		"video":       firstOf(resolve(base, metaContent(doc, "og:video", "og:video:url"))),
		"audio":       firstOf(resolve(base, metaContent(doc, "og:audio", "og:audio:url"))),
	}

	return md, nil
}

// ExtractURLs returns the distinct absolute URLs referenced in html, in order
// of first appearance. A match is cut at the first quote or closing angle
// bracket and trailing closing brackets are trimmed.
func ExtractURLs(html string) []string {
	matches := urlPattern.FindAllString(html, -1)

	seen := make(map[string]struct{}, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		if i := strings.IndexAny(m, `"'>`); i >= 0 {
			m = m[:i]
		}
		m = strings.TrimRight(m, ")]};,.")
		if m == "http://" || m == "https://" || m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		urls = append(urls, m)
	}
	return urls
}

// metaContent returns the content of the first non-empty meta tag matching any
// of the given property or name keys
func metaContent(doc *goquery.Document, keys ...string) string {
	for _, key := range keys {
		for _, sel := range []string{"meta[property='" + key + "']", "meta[name='" + key + "']", "meta[itemprop='" + key + "']"} {
			if v, ok := doc.Find(sel).First().Attr("content"); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

func attr(doc *goquery.Document, selector, name string) string {
	v, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func text(doc *goquery.Document, selector string) string {
	return strings.Join(strings.Fields(doc.Find(selector).First().Text()), " ")
}

func resolve(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func hostname(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func keywords(raw string) any {
	if raw == "" {
		return nil
	}
	var out []any
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// firstOf returns the first non-empty value, or nil
func firstOf(values ...string) any {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return nil
}
