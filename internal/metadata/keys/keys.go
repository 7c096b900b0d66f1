// Package keys builds and parses metadata store keys.
//
// Blob store metrics live at
//
//	/blobmetrics/v1/metrics/<name>
//
// where <name> is path-escaped. Every metrics key is then a direct child of
// MetricsPrefix, which is what Oxia's hierarchical range scans return for a
// prefix ending in '/'.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Key prefixes.
const (
	// Prefix is the root of every key written by this module.
	Prefix = "/blobmetrics/v1"

	// MetricsPrefix is the parent of all blob store metrics keys.
	MetricsPrefix = Prefix + "/metrics/"
)

// ErrInvalidKey is returned when a key cannot be parsed.
var ErrInvalidKey = errors.New("keys: invalid key format")

// BlobStoreMetricsKey returns the key holding the metrics aggregate for name.
func BlobStoreMetricsKey(name string) string {
	return MetricsPrefix + url.PathEscape(name)
}

// ParseBlobStoreMetricsKey extracts the blob store name from a metrics key.
func ParseBlobStoreMetricsKey(key string) (string, error) {
	escaped, ok := strings.CutPrefix(key, MetricsPrefix)
	if !ok || escaped == "" || strings.Contains(escaped, "/") {
		return "", ErrInvalidKey
	}
	name, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return name, nil
}
