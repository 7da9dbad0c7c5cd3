package handler

import (
	"encoding/base64"
	"fmt"
)

// The list cursor is the store's continuation marker, encoded so opaque
// backend tokens survive a query string.

func DecodeJobCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid cursor format: %w", err)
	}
	if len(decoded) == 0 {
		return "", fmt.Errorf("invalid cursor format: empty marker")
	}

	return string(decoded), nil
}

func EncodeJobCursor(marker string) string {
	if marker == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(marker))
}
