// Package request models the data shape a tab asks the autoupdate service
// for: a collection, a set of ids, and a recursive tree of fields.
package request

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// ModelRequest is one logical data request.
type ModelRequest struct {
	Collection string `json:"collection"`
	IDs        []int  `json:"ids"`
	Fields     Fields `json:"fields"`
}

// Equal reports structural equality. Id order is irrelevant.
func (r ModelRequest) Equal(o ModelRequest) bool {
	return r.Collection == o.Collection && SameIDs(r.IDs, o.IDs) && r.Fields.Equal(o.Fields)
}

// Covers reports whether r already asks for everything o asks for: same
// collection and ids, and a field tree that is a superset of o's.
func (r ModelRequest) Covers(o ModelRequest) bool {
	if r.Collection != o.Collection || !SameIDs(r.IDs, o.IDs) {
		return false
	}
	if r.Fields.Equal(o.Fields) {
		return true
	}
	return r.Fields.Covers(o.Fields)
}

// Hash returns a stable digest of the request, usable as a request hash when
// the tab did not send one.
func (r ModelRequest) Hash() string {
	ids := slices.Clone(r.IDs)
	slices.Sort(ids)
	canonical := ModelRequest{Collection: r.Collection, IDs: ids, Fields: r.Fields}

	// Map keys are marshalled in sorted order, so this is canonical.
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SameIDs compares two id lists as sets.
func SameIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}
