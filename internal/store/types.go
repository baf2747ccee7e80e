package store

import (
	"net/http"
	"time"
)

// Entry is one cached response inside a generation.
type Entry struct {
	Status   int         `msgpack:"s"`
	Header   http.Header `msgpack:"h"`
	Body     []byte      `msgpack:"b"`
	StoredAt int64       `msgpack:"t"` // unix seconds
	Hash32   uint32      `msgpack:"c"`
}

// OK reports whether the entry holds a 2xx response. Only those are ever cached.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Meta describes a generation. Members maps every precached path to its
// revision ("" when the asset is not pinned).
type Meta struct {
	ID        string            `cbor:"1,keyasint"`
	Version   string            `cbor:"2,keyasint"`
	CreatedAt time.Time         `cbor:"3,keyasint"`
	Sealed    bool              `cbor:"4,keyasint"`
	Members   map[string]string `cbor:"5,keyasint,omitempty"`
}

// Handle addresses one open generation.
type Handle struct{ id string }

func (h Handle) ID() string { return h.id }
