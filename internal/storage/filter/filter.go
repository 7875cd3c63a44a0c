package filter

// Filter collects the keys of one data block and serializes a membership
// bitmap for them. One writer owns one Filter; probing a persisted bitmap
// goes through the package-level MayContain.
type Filter interface {
	Add(key []byte)    // add key to the pending set
	Build() []byte     // serialize a bitmap over the pending set and reset it
	KeyLen() int       // number of pending keys
	Reset()            // drop the pending set
}

type Constructor func() Filter
