package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"

	"github.com/unihealth/unihealth/internal/platform/tree"
)

// record is satisfied by pointers to the keyed collection entities.
type record[T any] interface {
	*T
	setID(id string)
	setCreatedAt(ts string)
	tagPatient(id, name string)
	patient() (id, name string)
}

var errNotObject = errors.New("stored child is not an object")

// UnknownPatient is the patient name used when a record carries none.
const UnknownPatient = "Unknown Patient"

// KeyedObjectToList converts a keyed-object snapshot ({key: child, ...}) into
// a list ordered by key, with each child's ID set to its key. An empty
// snapshot yields an empty list. A child that does not decode into T or fails
// validation fails the whole conversion with a *ValidationError.
func KeyedObjectToList[T any, P record[T]](entity string, snapshot json.RawMessage) ([]T, error) {
	children, keys, err := decodeKeyed(entity, snapshot)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(keys))
	for _, key := range keys {
		item, err := decodeChild[T, P](entity, key, children[key])
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// ScanByDoctor walks a whole top-level collection snapshot
// ({patientId: {key: child}}) and keeps the children written by doctorID.
// Only kept children are decoded and validated, so another doctor's
// malformed record cannot fail the scan. Each kept record is re-tagged with
// its owning patient id; a missing patient name falls back to
// UnknownPatient. Results are ordered by patient id, then key.
func ScanByDoctor[T any, P record[T]](entity string, snapshot json.RawMessage, doctorID string) ([]T, error) {
	owners, ownerKeys, err := decodeKeyed(entity, snapshot)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0)
	for _, owner := range ownerKeys {
		children, keys, err := decodeKeyed(entity, owners[owner])
		if err != nil {
			continue
		}
		for _, key := range keys {
			if writtenBy(children[key]) != doctorID {
				continue
			}
			item, err := decodeChild[T, P](entity, key, children[key])
			if err != nil {
				return nil, err
			}
			p := P(&item)
			_, name := p.patient()
			if name == "" {
				name = UnknownPatient
			}
			p.tagPatient(owner, name)
			out = append(out, item)
		}
	}
	return out, nil
}

// writtenBy reads only the doctorId of a stored child. It returns "" when
// the child carries none or is not an object.
func writtenBy(raw json.RawMessage) string {
	var header struct {
		DoctorID string `json:"doctorId"`
	}
	if json.Unmarshal(raw, &header) != nil {
		return ""
	}
	return header.DoctorID
}

func decodeKeyed(entity string, snapshot json.RawMessage) (map[string]json.RawMessage, []string, error) {
	if tree.IsEmpty(snapshot) {
		return nil, nil, nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(snapshot, &children); err != nil {
		return nil, nil, &ValidationError{Entity: entity, Err: err}
	}
	keys := make([]string, 0, len(children))
	for k, v := range children {
		if tree.IsEmpty(v) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return children, keys, nil
}

func decodeChild[T any, P record[T]](entity, key string, raw json.RawMessage) (T, error) {
	var item T
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return item, &ValidationError{Entity: entity, Key: key, Err: errNotObject}
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, &ValidationError{Entity: entity, Key: key, Err: err}
	}
	P(&item).setID(key)
	if err := validateKeyed(entity, key, &item); err != nil {
		return item, err
	}
	return item, nil
}
