package resource

import "sort"

// Manifest keys with meaning to the core.
const (
	MetaServerScripts = "server_scripts"
	MetaClientScripts = "client_scripts"
	MetaSharedScripts = "shared_scripts"
	MetaFiles         = "files"
	MetaDependencies  = "dependencies"
	MetaVersion       = "version"
	MetaDescription   = "description"
)

// Metadata is the manifest of a resource: a multimap of keys to ordered
// string values. Unknown keys are kept so other components can read them.
type Metadata struct {
	entries map[string][]string
}

func NewMetadata(entries map[string][]string) *Metadata {
	if entries == nil {
		entries = make(map[string][]string)
	}
	return &Metadata{entries: entries}
}

// Entries returns all values stored under key.
func (m *Metadata) Entries(key string) []string {
	return m.entries[key]
}

// First returns the first value under key, or "".
func (m *Metadata) First(key string) string {
	if v := m.entries[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (m *Metadata) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MetadataOf returns the resource's manifest, or an empty one.
func MetadataOf(r *Resource) *Metadata {
	if md, ok := GetComponent[*Metadata](r); ok {
		return md
	}
	return NewMetadata(nil)
}
