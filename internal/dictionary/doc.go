// Package dictionary keeps shared compression dictionaries on disk and hands
// them out to concurrent requests.
//
// A Manager owns the disk cache, the metadata store and one StorageOnDisk per
// IsolationKey. StorageOnDisk.GetDictionary resolves a request URL to the best
// matching Record and returns a WrappedSharedDictionary. Wrappers that resolve
// to the same disk cache key token share one RefCountedSharedDictionary, which
// owns a single SharedDictionaryOnDisk load; the load runs once no matter how
// many requests wait on it. When the last wrapper is released the shared
// dictionary drops out of the storage index and the next lookup starts a
// fresh read.
//
// Dictionaries enter the system through Writer, created by
// StorageOnDisk.CreateWriter. Writer.Finish registers the metadata and makes
// the record visible to GetDictionary before it returns.
package dictionary
