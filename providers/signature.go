package providers

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Instamojo signs webhooks with HMAC-SHA1
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"sort"
	"strings"
)

func hmacHex(newHash func() hash.Hash, secret string, data []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA256Hex(secret string, data []byte) string {
	return hmacHex(sha256.New, secret, data)
}

func hmacSHA1Hex(secret string, data []byte) string {
	return hmacHex(sha1.New, secret, data)
}

func hmacSHA256Base64(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sha512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}

// secureCompare compares two signatures in constant time.
func secureCompare(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return hmac.Equal([]byte(a), []byte(b))
}

// sortedValues joins the values of m ordered by key, skipping excluded keys.
// Key order is case-insensitive, matching how Instamojo and Paytm sign.
func sortedValues(m map[string]string, sep string, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	return strings.Join(vals, sep)
}
