package record

// Record is one map entry's attributes: field name to value.
type Record map[string]Value

// Get returns the value for field, or Null when the field is absent.
func (r Record) Get(field string) Value {
	if r == nil {
		return Null()
	}
	v, ok := r[field]
	if !ok {
		return Null()
	}
	return v
}

// Clone returns a shallow copy of the record. Value payloads are shared;
// Values are immutable so sharing is safe.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has reports whether field is present, even with a Null value.
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// ChangedFields diffs two versions of a record. It returns the fields
// whose values differ, or all=true when one side is missing entirely
// (an add or a remove), in which case the field list is nil.
func ChangedFields(oldRec, newRec Record) (fields []string, all bool) {
	if oldRec == nil || newRec == nil {
		return nil, true
	}
	for f, ov := range oldRec {
		if nv, ok := newRec[f]; !ok || !ov.Equal(nv) {
			fields = append(fields, f)
		}
	}
	for f := range newRec {
		if _, ok := oldRec[f]; !ok {
			fields = append(fields, f)
		}
	}
	return fields, false
}

// Source is the capability a map implementation grants the query layer:
// enumerate keys and fetch a record by key.
type Source interface {
	Keys() []string
	GetRecord(key string) (Record, bool)
}

// ChangeType classifies a data change observed by the live layers.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeUpdate ChangeType = "update"
	ChangeRemove ChangeType = "remove"
)
