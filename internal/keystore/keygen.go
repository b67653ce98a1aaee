package keystore

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"

	"keybot/internal/constants"
)

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// 小於此值的位元組才使用，避免取模偏差
const rejectAbove = 256 - 256%len(keyAlphabet)

var groupPattern = regexp.MustCompile(`^[A-Z0-9]{4}$`)

// GenerateKey 產生 PREFIX-XXXX-XXXX-XXXX-XXXX 格式的金鑰.
func GenerateKey(prefix string) (string, error) {
	n := constants.KeyGroupCount * constants.KeyGroupLength
	chars := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(chars) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			chars = append(chars, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(chars) == n {
				break
			}
		}
	}

	var sb strings.Builder
	sb.Grow(len(prefix) + n + constants.KeyGroupCount)
	sb.WriteString(prefix)
	for i := 0; i < constants.KeyGroupCount; i++ {
		sb.WriteByte('-')
		sb.Write(chars[i*constants.KeyGroupLength : (i+1)*constants.KeyGroupLength])
	}
	return sb.String(), nil
}

// WellFormed 檢查金鑰格式（不檢查是否存在）.
func WellFormed(prefix, key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != constants.KeyGroupCount+1 || parts[0] != prefix {
		return false
	}
	for _, p := range parts[1:] {
		if !groupPattern.MatchString(p) {
			return false
		}
	}
	return true
}
