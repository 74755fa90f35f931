package shared

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes bounds the size of a request body
const MaxBodyBytes = 1 << 20

// ErrBodyTooLarge indicates the request body exceeded MaxBodyBytes
var ErrBodyTooLarge = errors.New("request body too large")

// ReadRawJSON reads the request body, up to MaxBodyBytes, without decoding
// it. The caller validates the document.
func ReadRawJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, tooLarge.Limit)
		}
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}
