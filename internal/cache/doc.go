// Package cache implements the disk-backed entry store that holds dictionary
// bodies. Every entry is addressed by an opaque key (the dictionary's disk
// cache key token) and carries a small, fixed set of numbered streams; stream
// 1 holds the raw dictionary bytes. Writes are staged in temp files and
// committed with rename on Close, so readers never observe a partial stream.
// The dictionary package depends on this package through the Backend/Entry
// interfaces only and never touches the filesystem layout directly.
package cache
