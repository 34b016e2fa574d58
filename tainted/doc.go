// Package tainted moves data across the boundary of an isolated domain.
//
// Everything the domain produces is tainted: buffer contents, struct
// fields and export results. The host never holds a pointer into domain
// memory. It holds handles ([Buffer], [Struct], [Pinned]) and unverified
// [Value]s, and turns them into host data only through [Extract],
// [ExtractRange], [ExtractPtr] and [ExtractBlock].
//
// Writes go the other way through [Buffer.CopyIn] and the struct setters.
// [Construct] is the single unverified write path; it only accepts structs
// that have never been handed to the domain.
//
// An [Arena] owns every allocation made for one operation and frees what is
// left with [Arena.FreeAll] before the domain goes away.
package tainted
