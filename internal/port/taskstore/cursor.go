package taskstore

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/parleyhq/parley/internal/domain"
)

// EncodeCursor wraps a backend sequence number in the opaque cursor
// format handed to clients.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(seq, 10)))
}

// DecodeCursor reverses EncodeCursor. The empty cursor decodes to 0,
// meaning "from the beginning"; anything malformed is ErrValidation.
func DecodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	return seq, nil
}
