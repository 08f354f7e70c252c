package objfile

// SourceObject couples a fetched byte buffer with the Object parsed from
// it. The Object holds readers into the buffer, so the two must live and
// die as one unit: the capsule owns the buffer, builds the view at
// construction time, and never hands the buffer out. Callers only ever see
// the parsed view.
type SourceObject struct {
	data []byte
	obj  *Object
}

// NewSourceObject takes ownership of data and parses it eagerly. The
// caller must not retain or modify data afterwards.
func NewSourceObject(data []byte) (*SourceObject, error) {
	obj, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return &SourceObject{data: data, obj: obj}, nil
}

// Object returns the parsed view. It stays valid for the lifetime of the
// SourceObject.
func (s *SourceObject) Object() *Object {
	return s.obj
}
