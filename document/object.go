package document

// Object is a string-keyed map that remembers insertion order. Setting an
// existing key replaces its value in place.
type Object struct {
	keys []string
	vals map[string]Value
}

func NewObject() *Object {
	return &Object{vals: make(map[string]Value)}
}

// Set stores v under k and returns o for chaining.
func (o *Object) Set(k string, v Value) *Object {
	if o.vals == nil {
		o.vals = make(map[string]Value)
	}
	if _, exists := o.vals[k]; !exists {
		o.keys = append(o.keys, k)
	}
	o.vals[k] = v
	return o
}

func (o *Object) Get(k string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.vals[k]
	return v, ok
}

func (o *Object) Has(k string) bool {
	_, ok := o.Get(k)
	return ok
}

func (o *Object) Delete(k string) {
	if o == nil {
		return
	}
	if _, ok := o.vals[k]; !ok {
		return
	}
	delete(o.vals, k)
	for i, key := range o.keys {
		if key == k {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns a copy of the keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (o *Object) Range(fn func(k string, v Value) bool) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		if !fn(k, o.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	out := &Object{keys: make([]string, len(o.keys)), vals: make(map[string]Value, len(o.vals))}
	copy(out.keys, o.keys)
	for k, v := range o.vals {
		out.vals[k] = v.Clone()
	}
	return out
}

// Merge copies every entry of other into o, overwriting existing keys.
func (o *Object) Merge(other *Object) *Object {
	other.Range(func(k string, v Value) bool {
		o.Set(k, v.Clone())
		return true
	})
	return o
}

// Equal compares two objects ignoring key order.
func (o *Object) Equal(other *Object) bool {
	if o.Len() != other.Len() {
		return false
	}
	equal := true
	o.Range(func(k string, v Value) bool {
		ov, ok := other.Get(k)
		if !ok || !Equal(v, ov) {
			equal = false
		}
		return equal
	})
	return equal
}

// GetString returns the string stored at k, or "" when absent or not a string.
func (o *Object) GetString(k string) string {
	v, ok := o.Get(k)
	if !ok || v.Kind() != KindString {
		return ""
	}
	return v.Str()
}

// GetBool returns the bool stored at k, or false.
func (o *Object) GetBool(k string) bool {
	v, ok := o.Get(k)
	return ok && v.Kind() == KindBool && v.Bool()
}

// Without returns a copy of o lacking the given keys.
func (o *Object) Without(keys ...string) *Object {
	out := o.Clone()
	if out == nil {
		out = NewObject()
	}
	for _, k := range keys {
		out.Delete(k)
	}
	return out
}
