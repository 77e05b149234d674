package vectorize

import (
	"encoding/base64"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/vector"
)

// decodeTransportBlob decodes an embedding that crossed the driver socket.
// BLOB columns travel as base64 strings over the JSON frames.
func decodeTransportBlob(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindInternal, err)
	}
	return vector.DecodeVector(raw)
}
