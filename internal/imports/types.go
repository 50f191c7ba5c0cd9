// Package imports stages bulk account uploads and turns them into pool
// accounts on a background worker.
package imports

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
)

// DefaultIDField is the descriptor field that carries the external account id.
const DefaultIDField = "user_id"

var (
	ErrInvalidBatch     = errors.New("imports: invalid batch")
	ErrBatchNotFound    = errors.New("imports: batch not found")
	ErrDuplicateAccount = errors.New("imports: account already exists")
	ErrPersistence      = errors.New("imports: persistence failure")
	// ErrClaimLost means the sweeper handed the batch to another run.
	ErrClaimLost = errors.New("imports: batch claimed by another run")
)

// Item is one submitted credential/descriptor pair.
type Item struct {
	Credential []byte
	Descriptor []byte
}

// Manifest is stored on the batch row so a worker can find the staged blobs.
type Manifest struct {
	Handles   []string `json:"handles"`
	ProxyList string   `json:"proxy_list,omitempty"`
}

func (m Manifest) encode() (datatypes.JSON, error) {
	raw, errMarshal := json.Marshal(m)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return datatypes.JSON(raw), nil
}

func decodeManifest(raw datatypes.JSON) (Manifest, error) {
	var m Manifest
	if len(raw) == 0 {
		return m, nil
	}
	if errUnmarshal := json.Unmarshal(raw, &m); errUnmarshal != nil {
		return m, fmt.Errorf("imports: decode manifest: %w", errUnmarshal)
	}
	return m, nil
}

// ExtractIDFunc derives the external account id from a descriptor.
type ExtractIDFunc func(descriptor []byte) (string, error)

// FieldExtractor reads a top-level string or number field from a JSON descriptor.
func FieldExtractor(field string) ExtractIDFunc {
	field = strings.TrimSpace(field)
	if field == "" {
		field = DefaultIDField
	}
	return func(descriptor []byte) (string, error) {
		if !gjson.ValidBytes(descriptor) {
			return "", fmt.Errorf("descriptor is not valid JSON")
		}
		value := gjson.GetBytes(descriptor, field)
		if value.Type != gjson.String && value.Type != gjson.Number {
			return "", fmt.Errorf("descriptor field %q missing", field)
		}
		id := strings.TrimSpace(value.String())
		if id == "" {
			return "", fmt.Errorf("descriptor field %q empty", field)
		}
		return id, nil
	}
}
