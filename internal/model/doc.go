// Package model describes what is stored and where it is stored.
//
// # Type Registry
//
// Registry holds the logical types: schemas (prefixed groups of fields),
// complex types (the field groups of complex properties), facets (mixins that
// contribute schemas) and document types (a primary type with its schemas and
// facets). Field kinds form a closed set: scalar, array, complex, list and
// blob.
//
// # Physical Model
//
// Model maps the registry onto tables. The hierarchy, versions, proxies,
// locks, acls, read_acls, misc and fulltext tables are fixed; each schema and
// complex type adds one table for its scalar fields and one collection table
// per array field. Complex, list and blob fields are stored as child nodes
// of the owning node, flagged as properties.
//
// Model also carries the repository-wide id type, which never changes once
// the repository exists.
//
// # Design Principles
//
// - No database or session dependencies
// - Built once at repository startup, read-only afterwards
package model
