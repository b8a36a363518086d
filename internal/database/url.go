package database

import "encoding/base64"

// EncodeURL turns a raw scan URL into the Search key. The URL-safe base64
// alphabet with padding keeps stored keys compatible with existing rows.
func EncodeURL(raw string) string {
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func DecodeURL(encoded string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
