package xt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	headerAlgorithm  = "validate-algorithms"
	headerAppKey     = "validate-appkey"
	headerRecvWindow = "validate-recvwindow"
	headerTimestamp  = "validate-timestamp"
	headerSignature  = "validate-signature"
)

// Signer produces the signed header set for authenticated requests.
type Signer struct {
	apiKey     string
	secret     []byte
	algorithm  string
	recvWindow time.Duration
	now        func() time.Time
}

// NewSigner constructs a Signer. now defaults to time.Now.
func NewSigner(apiKey, secret string, recvWindow time.Duration, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(secret),
		algorithm:  xtMetadata.signatureAlgo,
		recvWindow: recvWindow,
		now:        now,
	}
}

// Sign sets the validate-* headers on h for the request described by method, path, query and body.
func (s *Signer) Sign(h http.Header, method, path string, query url.Values, body string) {
	headers := map[string]string{
		headerAlgorithm:  s.algorithm,
		headerAppKey:     s.apiKey,
		headerRecvWindow: strconv.FormatInt(s.recvWindow.Milliseconds(), 10),
		headerTimestamp:  strconv.FormatInt(s.now().UnixMilli(), 10),
	}
	payload := canonicalPayload(headers, method, path, canonicalQuery(query), body)
	for k, v := range headers {
		h.Set(k, v)
	}
	h.Set(headerSignature, s.signature(payload))
}

func (s *Signer) signature(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// canonicalPayload joins the sorted headers as k=v pairs and appends the non-empty request parts,
// each prefixed with '#'.
func canonicalPayload(headers map[string]string, method, path, query, body string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+headers[k])
	}
	var b strings.Builder
	b.WriteString(strings.Join(pairs, "&"))
	for _, part := range []string{strings.ToUpper(method), path, query, body} {
		if part == "" {
			continue
		}
		b.WriteByte('#')
		b.WriteString(part)
	}
	return b.String()
}

// canonicalQuery renders query parameters sorted by key without URL escaping.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range query[k] {
			pairs = append(pairs, k+"="+v)
		}
	}
	return strings.Join(pairs, "&")
}
