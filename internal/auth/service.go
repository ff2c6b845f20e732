package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingKey = errors.New("authorization required")
	ErrInvalidKey = errors.New("invalid api key")
)

// Service checks static API keys. With no keys configured every request is allowed.
type Service struct {
	digests    [][sha256.Size]byte
	headerName string
	keyHeader  string
}

func NewService(keys []string) *Service {
	s := &Service{headerName: "Authorization", keyHeader: "X-API-Key"}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s.digests = append(s.digests, sha256.Sum256([]byte(k)))
	}
	return s
}

// Enabled reports whether any key is configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.digests) > 0
}

// ValidateKey returns a short, loggable id for a known key.
func (s *Service) ValidateKey(key string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	sum := sha256.Sum256([]byte(key))
	matched := 0
	for _, d := range s.digests {
		// compare against all keys so timing does not reveal which one matched
		matched |= subtle.ConstantTimeCompare(sum[:], d[:])
	}
	if matched != 1 {
		return "", ErrInvalidKey
	}
	return hex.EncodeToString(sum[:4]), nil
}
