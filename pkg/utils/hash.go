package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// BodySHA256 returns the hex SHA-256 of a response body, or "" for an empty body.
func BodySHA256(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
