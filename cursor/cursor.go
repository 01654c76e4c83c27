// Package cursor defines the positions used to page through data: the local
// store's insertion sequence and the (updatedAt, _id) position of a
// divide-pull against the server.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/c0deZ3R0/go-offline-sync/document"
)

const (
	KindInteger = "integer"
	KindDivide  = "divide"
)

type Cursor interface {
	Kind() string
}

// Codec for marshaling/unmarshaling cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)      // returns the Data part only
	Unmarshal(data json.RawMessage) (Cursor, error) // parse Data into a Cursor
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024 // 64 KB

// WireCursor is the typed union used when a cursor leaves the process.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(c Cursor) (*WireCursor, error) {
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func ValidateWireCursor(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := Lookup(wc.Kind); !ok {
		return fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if err := ValidateWireCursor(wc); err != nil {
		return nil, err
	}
	codec, _ := Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

// IntegerCursor is a high-water mark over the local store's sequence key.
// Scans return rows with Seq strictly greater than it.
type IntegerCursor struct {
	Seq int64
}

func (IntegerCursor) Kind() string { return KindInteger }

// Advance returns the cursor positioned after seq.
func (ic IntegerCursor) Advance(seq int64) IntegerCursor {
	if seq > ic.Seq {
		return IntegerCursor{Seq: seq}
	}
	return ic
}

func (ic IntegerCursor) String() string {
	return fmt.Sprintf("%d", ic.Seq)
}

func (ic IntegerCursor) IsZero() bool {
	return ic.Seq == 0
}

type integerCodec struct{}

func (integerCodec) Kind() string { return KindInteger }

func (integerCodec) Marshal(c Cursor) (json.RawMessage, error) {
	ic, ok := c.(IntegerCursor)
	if !ok {
		return nil, fmt.Errorf("expected IntegerCursor, got %T", c)
	}
	return json.Marshal(ic.Seq)
}

func (integerCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq int64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	if seq < 0 {
		return nil, fmt.Errorf("negative sequence %d", seq)
	}
	return IntegerCursor{Seq: seq}, nil
}

// DivideCursor is the position after the last record of a divide-pull page.
// Records sort by (updatedAt, _id) ascending; the zero cursor means "from the
// start".
type DivideCursor struct {
	UpdatedAt string `json:"updatedAt"`
	ID        string `json:"_id"`
}

func (DivideCursor) Kind() string { return KindDivide }

func (dc DivideCursor) IsZero() bool {
	return dc.UpdatedAt == "" && dc.ID == ""
}

// After returns the condition selecting records strictly after dc:
// updatedAt > t OR (updatedAt == t AND _id > id). Ties on updatedAt are
// broken by _id so no record is skipped or repeated across pages.
func (dc DivideCursor) After() *document.Object {
	later := document.NewObject().Set(document.FieldUpdatedAt,
		document.ObjectOf(document.NewObject().Set("$gt", document.String(dc.UpdatedAt))))
	tie := document.NewObject().
		Set(document.FieldUpdatedAt, document.String(dc.UpdatedAt)).
		Set(document.FieldID, document.ObjectOf(document.NewObject().Set("$gt", document.String(dc.ID))))
	return document.NewObject().Set("$or", document.ArrayOf(document.ObjectOf(later), document.ObjectOf(tie)))
}

// FromDocument positions a cursor after doc.
func FromDocument(doc *document.Object) DivideCursor {
	return DivideCursor{
		UpdatedAt: doc.GetString(document.FieldUpdatedAt),
		ID:        doc.GetString(document.FieldID),
	}
}

type divideCodec struct{}

func (divideCodec) Kind() string { return KindDivide }

func (divideCodec) Marshal(c Cursor) (json.RawMessage, error) {
	dc, ok := c.(DivideCursor)
	if !ok {
		return nil, fmt.Errorf("expected DivideCursor, got %T", c)
	}
	return json.Marshal(dc)
}

func (divideCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var dc DivideCursor
	if err := json.Unmarshal(data, &dc); err != nil {
		return nil, err
	}
	return dc, nil
}

func init() {
	InitDefaultCodecs()
}

func InitDefaultCodecs() {
	Register(integerCodec{})
	Register(divideCodec{})
}
