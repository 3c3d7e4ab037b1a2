package model

// ModificationType identifies the kind of persistence modification
type ModificationType string

const (
	ModificationStore        ModificationType = "store"
	ModificationRemove       ModificationType = "remove"
	ModificationClear        ModificationType = "clear"
	ModificationPurgeExpired ModificationType = "purge_expired"
)

// Modification is a pending change to the external store
type Modification struct {
	Seq   uint64           `json:"seq"`
	Type  ModificationType `json:"type"`
	Key   string           `json:"key,omitempty"`
	Entry *CacheEntry      `json:"entry,omitempty"`
}

// IsKeyed reports whether the modification targets a single key
func (m *Modification) IsKeyed() bool {
	return m.Type == ModificationStore || m.Type == ModificationRemove
}

// StoreModification builds a STORE modification for entry
func StoreModification(entry *CacheEntry) *Modification {
	return &Modification{Type: ModificationStore, Key: entry.Key, Entry: entry}
}

// RemoveModification builds a REMOVE modification for key
func RemoveModification(key string) *Modification {
	return &Modification{Type: ModificationRemove, Key: key}
}
