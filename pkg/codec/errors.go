package codec

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedValueType is returned when a payload value cannot be encoded.
	ErrUnsupportedValueType = errors.New("unsupported value type")

	// ErrCorruptPayload is returned when the overflow field cannot be decoded.
	ErrCorruptPayload = errors.New("corrupt payload")

	// ErrReservedKeyConflict is returned when a payload key collides with a reserved field.
	ErrReservedKeyConflict = errors.New("reserved key conflict")

	// ErrNoOverflowField is returned when a key needs the overflow field but none is configured.
	ErrNoOverflowField = errors.New("no overflow field configured")
)

// KeyError reports the payload key a codec failure belongs to.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string {
	return "key " + strconv.Quote(e.Key) + ": " + e.Err.Error()
}

func (e *KeyError) Unwrap() error { return e.Err }

// nestKey prefixes the key path of err with key.
func nestKey(key string, err error) error {
	var ke *KeyError
	if errors.As(err, &ke) {
		sep := "."
		if strings.HasPrefix(ke.Key, "[") {
			sep = ""
		}
		return &KeyError{Key: key + sep + ke.Key, Err: ke.Err}
	}
	return &KeyError{Key: key, Err: err}
}
