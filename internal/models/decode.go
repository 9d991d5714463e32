package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeEntity decodes a JSON payload into the entity type t. Unknown
// fields are rejected.
func DecodeEntity(t EntityType, raw []byte) (Entity, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var (
		e   Entity
		err error
	)
	switch t {
	case EntityTypeCustomer:
		var c Customer
		err = dec.Decode(&c)
		e = c
	case EntityTypeProduct:
		var p Product
		err = dec.Decode(&p)
		e = p
	case EntityTypeOrder:
		var o Order
		if err = dec.Decode(&o); err == nil {
			o.RevenueSet, err = hasField(raw, "revenue")
		}
		e = o
	case EntityTypeWorkflow:
		var w Workflow
		err = dec.Decode(&w)
		e = w
	default:
		return nil, NewValidationError(t, "type", fmt.Sprintf("unknown entity type %q", t))
	}
	if err != nil {
		return nil, NewValidationError(t, "payload", err.Error())
	}
	return e, nil
}

func hasField(raw []byte, name string) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, err
	}
	_, ok := fields[name]
	return ok, nil
}
