package worker

import (
	"fmt"
	"strconv"
)

// MalformedPayloadError indicates that a message body is not a 32-bit decimal integer.
type MalformedPayloadError struct {
	Payload string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload %q: %v", e.Payload, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// ParseID derives the row id from a message body holding a signed 32-bit decimal integer.
// A malformed body yields id 0 together with a *MalformedPayloadError. The caller logs the
// error and still inserts the row, a malformed payload never fails the transaction.
func ParseID(body []byte) (int32, error) {
	s := string(body)
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, &MalformedPayloadError{Payload: s, Err: err}
	}
	return int32(id), nil
}
