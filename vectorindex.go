// Vector and spatial secondary indexes are out of scope for this
// storage kernel (§4.I: "vector and spatial are opaque, used only
// through {insert(entity_value, location, txn), search(...)}"). This
// file defines that capability interface so a collection can hold index
// descriptors of kind IndexVector/IndexSpatial without the engine
// needing to know anything about their internals.
package blite

// OpaqueIndex is the capability surface a vector or spatial index
// implementation must satisfy to be attached to a collection alongside
// the ordered B+-tree path.
type OpaqueIndex interface {
	Insert(entityValue []byte, loc DocumentLocation, txn *Txn) error
	Search(query []byte, txn *Txn) ([]DocumentLocation, error)
}
