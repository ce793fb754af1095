package storage

import (
	"net/url"
	"strings"
)

// RedactURL strips the query string from presigned URLs so signatures do not
// end up in logs. Public URLs are returned unchanged.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if parsed.RawQuery == "" || !strings.Contains(parsed.RawQuery, "X-Amz-Signature") {
		return raw
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String() + " [presigned, query redacted]"
}

func publicObjectURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
