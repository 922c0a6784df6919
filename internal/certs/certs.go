// Package certs finds PEM certificates under a directory tree and reports
// how close they are to expiry.
package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Certificate states.
const (
	StateValid    = "valid"
	StateExpiring = "expiring"
	StateExpired  = "expired"
)

// maxCertFileSize skips files too large to be certificates.
const maxCertFileSize = 1 << 20

var certExtensions = map[string]bool{".pem": true, ".crt": true, ".cert": true}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
}

// Cert is one certificate found on disk.
type Cert struct {
	Path     string    `json:"path"`
	Subject  string    `json:"subject"`
	NotAfter time.Time `json:"not_after"`
	DaysLeft int       `json:"days_left"`
	State    string    `json:"state"`
}

// Scan walks root and parses every certificate in files with a certificate
// extension. Files that cannot be read or parsed are skipped. warnDays
// marks certificates expiring within that many days as expiring.
func Scan(root string, warnDays int, now time.Time) ([]Cert, error) {
	var found []Cert
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !certExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		certs, err := ParseFile(path)
		if err != nil {
			return nil
		}
		for _, c := range certs {
			found = append(found, Classify(path, c, warnDays, now))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s for certificates: %w", root, err)
	}
	return found, nil
}

// ParseFile returns every CERTIFICATE block in a PEM file.
func ParseFile(path string) ([]*x509.Certificate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxCertFileSize {
		return nil, fmt.Errorf("%s: too large for a certificate file", path)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- walked from the scanned root
	if err != nil {
		return nil, err
	}

	var out []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Classify computes the expiry state of a certificate.
func Classify(path string, c *x509.Certificate, warnDays int, now time.Time) Cert {
	left := c.NotAfter.Sub(now)
	out := Cert{
		Path:     path,
		Subject:  c.Subject.String(),
		NotAfter: c.NotAfter,
		DaysLeft: int(left.Hours() / 24),
		State:    StateValid,
	}
	switch {
	case left <= 0:
		out.State = StateExpired
	case left <= time.Duration(warnDays)*24*time.Hour:
		out.State = StateExpiring
	}
	return out
}
