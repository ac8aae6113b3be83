package proposal

import (
	"reflect"

	"curator/internal/blockgraph"
)

// ValueKind tags the variants of a proposed field value. Keeping the set
// closed makes consensus comparison exhaustive.
type ValueKind string

const (
	KindScalar ValueKind = "scalar" // string, number or bool
	KindDate   ValueKind = "date"   // ISO-8601 date string
	KindRecord ValueKind = "record" // nested record, e.g. organizer contact
	KindList   ValueKind = "list"   // list of records, e.g. races
)

// FieldValue is a tagged union: exactly one variant is populated according
// to Kind.
type FieldValue struct {
	Kind   ValueKind                `json:"kind"`
	Scalar interface{}              `json:"scalar,omitempty"`
	Date   string                   `json:"date,omitempty"`
	Record map[string]interface{}   `json:"record,omitempty"`
	List   []map[string]interface{} `json:"list,omitempty"`
}

func ScalarValue(v interface{}) FieldValue {
	return FieldValue{Kind: KindScalar, Scalar: v}
}

func DateValue(iso string) FieldValue {
	return FieldValue{Kind: KindDate, Date: iso}
}

func RecordValue(record map[string]interface{}) FieldValue {
	return FieldValue{Kind: KindRecord, Record: record}
}

func ListValue(list []map[string]interface{}) FieldValue {
	return FieldValue{Kind: KindList, List: list}
}

// Equal reports structural equality of two field values. Scalars, dates
// and records compare exactly; list comparison is order-sensitive only
// when orderSensitive is set, otherwise lists match as multisets.
func (v FieldValue) Equal(other FieldValue, orderSensitive bool) bool {
	if v.Kind != other.Kind {
		return false
	}

	switch v.Kind {
	case KindScalar:
		return reflect.DeepEqual(v.Scalar, other.Scalar)
	case KindDate:
		return v.Date == other.Date
	case KindRecord:
		return reflect.DeepEqual(v.Record, other.Record)
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		if orderSensitive {
			return reflect.DeepEqual(v.List, other.List)
		}
		return listsMatchUnordered(v.List, other.List)
	default:
		return false
	}
}

func listsMatchUnordered(a, b []map[string]interface{}) bool {
	matched := make([]bool, len(b))
	for _, item := range a {
		found := false
		for j, candidate := range b {
			if matched[j] {
				continue
			}
			if reflect.DeepEqual(item, candidate) {
				matched[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FieldChange is one agent's proposed change to one field.
type FieldChange struct {
	Old        *FieldValue `json:"old,omitempty"`
	New        FieldValue  `json:"new"`
	Confidence float64     `json:"confidence"`
}

// fieldBlocks maps known field names to the block they belong to. Fields
// not listed here are legacy: they carry no block and are never applied
// unattended.
var fieldBlocks = map[string]blockgraph.BlockType{
	"name":      blockgraph.BlockEvent,
	"website":   blockgraph.BlockEvent,
	"country":   blockgraph.BlockEvent,
	"city":      blockgraph.BlockEvent,
	"region":    blockgraph.BlockEvent,
	"eventType": blockgraph.BlockEvent,

	"year":            blockgraph.BlockEdition,
	"startDate":       blockgraph.BlockEdition,
	"endDate":         blockgraph.BlockEdition,
	"calendarStatus":  blockgraph.BlockEdition,
	"registrationUrl": blockgraph.BlockEdition,

	"organizer": blockgraph.BlockOrganizer,

	"races": blockgraph.BlockRaces,
}

// BlockOf returns the block a field belongs to, or nil for unknown
// (legacy) fields.
func BlockOf(field string) *blockgraph.BlockType {
	if b, ok := fieldBlocks[field]; ok {
		return &b
	}
	return nil
}

// KnownField reports whether the field belongs to the closed registry.
func KnownField(field string) bool {
	_, ok := fieldBlocks[field]
	return ok
}
