package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const localIDLength = 6

// NewLocalID generates a short, collision-resistant, human-typeable job
// identifier: the hex prefix of sha256 over a timestamp and a random UUID.
func NewLocalID() string {
	seed := fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:localIDLength]
}

// IsLocalID reports whether s has the shape of a locally generated id.
func IsLocalID(s string) bool {
	if len(s) != localIDLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
