// Package mapper defines the boundary between sessions and physical storage.
//
// A session never issues statements. It reads fragments (rows of one table
// for one node id) through a Mapper and, at save time, hands it a Batch of
// created, updated and deleted fragments. The sqlstore subpackage implements
// the interfaces over database/sql.
package mapper
