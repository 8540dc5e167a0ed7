package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/medscan/medscan/pkg/domain"
)

// strict policy strips all markup, leaving text only
var stripPolicy = bluemonday.StrictPolicy()

// Fingerprint computes the deterministic identity hash of a document:
// sha256 over normalized URL, title and body. Identical content always
// yields the same fingerprint regardless of markup or tracking parameters.
func Fingerprint(doc domain.RawDocument) string {
	h := sha256.New()
	h.Write([]byte(NormalizeURL(doc.URL)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(doc.Title)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(doc.Body)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText strips markup, unescapes entities, lowercases and collapses
// whitespace
func NormalizeText(s string) string {
	s = stripPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeURL canonicalizes a URL for identity purposes: lowercased
// scheme/host, no fragment, no tracking parameters, no trailing slash
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	// drop tracking parameters
	q := u.Query()
	for key := range q {
		if strings.HasPrefix(key, "utm_") || key == "fbclid" || key == "gclid" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
