// Package idset implements sets of uint64 identifiers, partitioned into
// fixed-size windowed pages.
//
// Pages are allocated to an owner, by a [Factory], which recycles them via a
// free list. The [PageFactory] implementation keeps every page in memory, and
// optionally writes it through to a [Backend], such that a restarted process
// may recover the pages of each owner. File and sqlite backends are provided,
// see [OpenFileFactory] and [OpenSQLFactory].
//
// A [Queue] composes the pages of one owner into an ordered set, drained
// smallest identifier first, as used to track pending and outstanding
// message identifiers.
package idset
