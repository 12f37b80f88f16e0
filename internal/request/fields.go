package request

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags the variants of Field.
type Kind int

const (
	KindLeaf Kind = iota
	KindRelation
	KindRelationList
	KindGenericRelation
	KindGenericRelationList
	KindTemplate
)

var kindNames = map[Kind]string{
	KindRelation:            "relation",
	KindRelationList:        "relation-list",
	KindGenericRelation:     "generic-relation",
	KindGenericRelationList: "generic-relation-list",
	KindTemplate:            "template",
}

func (k Kind) String() string {
	if k == KindLeaf {
		return "leaf"
	}
	return kindNames[k]
}

// Field is one node of a field tree. The set of implementations is closed:
// Leaf, Relation, RelationList, GenericRelation, GenericRelationList and
// Template.
type Field interface {
	Kind() Kind
	isField()
}

// Leaf is a plain value field, sent as null on the wire.
type Leaf struct{}

// Relation follows a single id into another collection.
type Relation struct {
	Collection string
	Fields     Fields
}

// RelationList follows a list of ids into another collection.
type RelationList struct {
	Collection string
	Fields     Fields
}

// GenericRelation follows a fqid whose collection is only known at runtime.
type GenericRelation struct {
	Fields Fields
}

// GenericRelationList follows a list of fqids.
type GenericRelationList struct {
	Fields Fields
}

// Template is a structured field (name_$ fields). Values optionally
// describes how the expanded fields are followed.
type Template struct {
	Values Field
}

func (Leaf) Kind() Kind                { return KindLeaf }
func (Relation) Kind() Kind            { return KindRelation }
func (RelationList) Kind() Kind        { return KindRelationList }
func (GenericRelation) Kind() Kind     { return KindGenericRelation }
func (GenericRelationList) Kind() Kind { return KindGenericRelationList }
func (Template) Kind() Kind            { return KindTemplate }

func (Leaf) isField()                {}
func (Relation) isField()            {}
func (RelationList) isField()        {}
func (GenericRelation) isField()     {}
func (GenericRelationList) isField() {}
func (Template) isField()            {}

// Fields maps a field name to its descriptor. A nil Field is a Leaf.
type Fields map[string]Field

// Equal reports structural equality of two field trees.
func (f Fields) Equal(o Fields) bool {
	if len(f) != len(o) {
		return false
	}
	for name, a := range f {
		b, ok := o[name]
		if !ok || !fieldEqual(a, b) {
			return false
		}
	}
	return true
}

// Covers reports whether every field of want is present in f with an equal
// or wider descriptor.
func (f Fields) Covers(want Fields) bool {
	for name, w := range want {
		h, ok := f[name]
		if !ok || !fieldCovers(h, w) {
			return false
		}
	}
	return true
}

func kindOf(f Field) Kind {
	if f == nil {
		return KindLeaf
	}
	return f.Kind()
}

// normalize turns pointers to variants into values, so the type switches
// below only see values. A nil pointer is a leaf.
func normalize(f Field) Field {
	switch f := f.(type) {
	case *Leaf:
		return nil
	case *Relation:
		if f != nil {
			return *f
		}
	case *RelationList:
		if f != nil {
			return *f
		}
	case *GenericRelation:
		if f != nil {
			return *f
		}
	case *GenericRelationList:
		if f != nil {
			return *f
		}
	case *Template:
		if f != nil {
			return *f
		}
	default:
		return f
	}
	return nil
}

func fieldEqual(a, b Field) bool {
	a, b = normalize(a), normalize(b)
	if kindOf(a) != kindOf(b) {
		return false
	}
	switch a := a.(type) {
	case Relation:
		b := b.(Relation)
		return a.Collection == b.Collection && a.Fields.Equal(b.Fields)
	case RelationList:
		b := b.(RelationList)
		return a.Collection == b.Collection && a.Fields.Equal(b.Fields)
	case GenericRelation:
		return a.Fields.Equal(b.(GenericRelation).Fields)
	case GenericRelationList:
		return a.Fields.Equal(b.(GenericRelationList).Fields)
	case Template:
		bv := b.(Template).Values
		if a.Values == nil || bv == nil {
			return a.Values == nil && bv == nil
		}
		return fieldEqual(a.Values, bv)
	}
	return true
}

// fieldCovers reports whether have delivers at least what want asks for.
func fieldCovers(have, want Field) bool {
	have, want = normalize(have), normalize(want)
	if kindOf(want) == KindLeaf {
		return true
	}
	if kindOf(have) != kindOf(want) {
		return false
	}
	switch w := want.(type) {
	case Relation:
		h := have.(Relation)
		return h.Collection == w.Collection && h.Fields.Covers(w.Fields)
	case RelationList:
		h := have.(RelationList)
		return h.Collection == w.Collection && h.Fields.Covers(w.Fields)
	case GenericRelation:
		return have.(GenericRelation).Fields.Covers(w.Fields)
	case GenericRelationList:
		return have.(GenericRelationList).Fields.Covers(w.Fields)
	case Template:
		if w.Values == nil {
			return true
		}
		hv := have.(Template).Values
		return hv != nil && fieldCovers(hv, w.Values)
	}
	return false
}

type descriptor struct {
	Type       string          `json:"type"`
	Collection string          `json:"collection,omitempty"`
	Fields     *Fields         `json:"fields,omitempty"`
	Values     json.RawMessage `json:"values,omitempty"`
}

// MarshalJSON writes the wire shape: null for leaves, typed objects for
// relations and templates.
func (f Fields) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(f))
	for name, field := range f {
		data, err := marshalField(field)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = data
	}
	return json.Marshal(out)
}

func marshalField(f Field) (json.RawMessage, error) {
	f = normalize(f)
	d := descriptor{Type: kindOf(f).String()}
	switch f := f.(type) {
	case nil, Leaf:
		return json.RawMessage("null"), nil
	case Relation:
		d.Collection, d.Fields = f.Collection, nonNil(f.Fields)
	case RelationList:
		d.Collection, d.Fields = f.Collection, nonNil(f.Fields)
	case GenericRelation:
		d.Fields = nonNil(f.Fields)
	case GenericRelationList:
		d.Fields = nonNil(f.Fields)
	case Template:
		if f.Values != nil {
			v, err := marshalField(f.Values)
			if err != nil {
				return nil, err
			}
			d.Values = v
		}
	default:
		return nil, fmt.Errorf("unknown field type %T", f)
	}
	return json.Marshal(d)
}

func nonNil(f Fields) *Fields {
	if f == nil {
		f = Fields{}
	}
	return &f
}

// UnmarshalJSON parses the wire shape and rejects malformed descriptors.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Fields, len(raw))
	for name, value := range raw {
		field, err := unmarshalField(value)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = field
	}
	*f = out
	return nil
}

func unmarshalField(data json.RawMessage) (Field, error) {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return Leaf{}, nil
	}

	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}

	fields := Fields{}
	if d.Fields != nil {
		fields = *d.Fields
	}

	switch d.Type {
	case "relation", "relation-list":
		if d.Collection == "" {
			return nil, fmt.Errorf("%s without collection", d.Type)
		}
		if d.Type == "relation" {
			return Relation{Collection: d.Collection, Fields: fields}, nil
		}
		return RelationList{Collection: d.Collection, Fields: fields}, nil
	case "generic-relation":
		return GenericRelation{Fields: fields}, nil
	case "generic-relation-list":
		return GenericRelationList{Fields: fields}, nil
	case "template":
		t := Template{}
		if len(d.Values) > 0 && !bytes.Equal(bytes.TrimSpace(d.Values), []byte("null")) {
			v, err := unmarshalField(d.Values)
			if err != nil {
				return nil, fmt.Errorf("template values: %w", err)
			}
			t.Values = v
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown field type %q", d.Type)
}
