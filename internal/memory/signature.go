package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const maxSignatureText = 1024

// Signature identifies a failure independently of incidental details such as
// paths, line numbers, and addresses.
type Signature struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	quotedRe  = regexp.MustCompile(`'[^'\n]*'|"[^"\n]*"|` + "`[^`\n]*`")
	pathRe    = regexp.MustCompile(`(?:[a-zA-Z]:)?(?:/[\w.@+-]+){2,}/?`)
	hexRe     = regexp.MustCompile(`\b0x[0-9a-f]+\b|\b[0-9a-f]{12,}\b`)
	numberRe  = regexp.MustCompile(`\d+`)
	spaceRe   = regexp.MustCompile(`\s+`)
	uuidLikeR = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
)

// Normalize reduces a failure message to its stable shape: lower case with
// colour codes, quoted literals, paths, ids and numbers replaced by
// placeholders and whitespace collapsed.
func Normalize(message string) string {
	s := ansiRe.ReplaceAllString(message, "")
	s = strings.ToLower(s)
	s = quotedRe.ReplaceAllString(s, "<str>")
	s = uuidLikeR.ReplaceAllString(s, "<id>")
	s = pathRe.ReplaceAllString(s, "<path>")
	s = hexRe.ReplaceAllString(s, "<hex>")
	s = numberRe.ReplaceAllString(s, "<n>")
	s = spaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxSignatureText {
		s = s[:maxSignatureText]
	}
	return s
}

// SignatureOf derives the signature of a failure message.
func SignatureOf(message string) Signature {
	text := Normalize(message)
	sum := sha256.Sum256([]byte(text))
	return Signature{Key: hex.EncodeToString(sum[:16]), Text: text}
}

// KeyedSignature wraps an already computed key, for callers that only have
// the key (admin lookups, snapshots).
func KeyedSignature(key string) Signature {
	return Signature{Key: key}
}
