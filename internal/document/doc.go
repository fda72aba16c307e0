// Package document adapts storage sessions and nodes to the document API
// used by application code.
//
// A Session binds a storage.Session to a Principal and checks permissions on
// every call, failing with storeerr.ErrSecurityViolation. Documents are
// addressed with an IDRef or a PathRef and returned as *Document handles
// holding only their id.
//
// Property values follow the field kind of the schema: scalars, arrays of
// scalars, complex values as maps, lists of complex values, and blobs as
// *Blob. Writing to a checked-in document checks it out first.
package document
