// Package vefs implements the core of an encrypted virtual file system: a
// single host file that presents a durable, authenticated key/value store
// of named byte streams to its clients.
//
// The package is organized bottom-up, matching the dependency order of its
// components: a crypto provider (crypto_provider.go) backs a sector device
// (sector_device.go) that seals and opens fixed-size sectors of a host
// file; a per-file radix tree (sectortree.go) maps logical offsets onto
// sectors, with a concurrent page cache (cache.go) in front of each tree;
// a sector allocator (allocator.go) keeps its free map in memory and
// persists it through the free-block index, which, like the filesystem
// index (fsindex.go), is a virtual file on the same cache-backed tree
// (there is no separate sequential tree); and Archive (archive.go) ties
// all of it together behind one facade.
package vefs
