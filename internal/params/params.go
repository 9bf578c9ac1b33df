// Package params implements the hierarchical parameter store that holds all
// persisted session configuration and live state.
//
// The whole hierarchy is one flat string map viewed through prefixes: a
// subgroup is a lightweight node carrying only its prefix and a pointer to
// the shared arena (map + mutex), never a separate structure. Values are
// always strings; numeric and boolean accessors convert on the fly.
package params

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// GroupSeparator joins subgroup names into flat map keys.
const GroupSeparator = "/"

const safeKeyChars = "0123456789_-abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// SyncTarget is the persistence adapter: load/save of the entire flat
// key/value set. The file format is the adapter's concern.
type SyncTarget interface {
	LoadAll() (map[string]string, error)
	SaveAll(values map[string]string) error
}

// arena holds the state shared by every node of one hierarchy. Only the
// root node ever allocates one.
type arena struct {
	mu     sync.Mutex
	values map[string]string
	target SyncTarget
}

// Map is one node of the hierarchy: the root or any subgroup.
type Map struct {
	arena  *arena
	prefix string
	parent *Map

	locked  bool
	changed bool
}

// New creates an empty root node with no persistence attached.
func New() *Map {
	return &Map{arena: &arena{values: make(map[string]string)}}
}

// NewSynced creates a root node backed by target, pre-populated with the
// values target currently holds.
func NewSynced(target SyncTarget) (*Map, error) {
	values, err := target.LoadAll()
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	return &Map{arena: &arena{values: values, target: target}}, nil
}

// Prefix returns the node's fully qualified key prefix.
func (pm *Map) Prefix() string {
	return pm.prefix
}

// Subgroup returns a node scoped to prefix+name+separator. The child shares
// the arena; creating it allocates no storage.
func (pm *Map) Subgroup(name string) *Map {
	return &Map{
		arena:  pm.arena,
		prefix: pm.prefix + name + GroupSeparator,
		parent: pm,
	}
}

// sanitizeKey maps characters outside the safe alphabet to underscores.
func sanitizeKey(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if strings.IndexByte(safeKeyChars, name[i]) < 0 {
			b.WriteByte('_')
		} else {
			b.WriteByte(name[i])
		}
	}
	return b.String()
}

// Get returns the value of name, or def when absent.
func (pm *Map) Get(name, def string) string {
	return pm.lookup(name, def, false)
}

// GetStrict is Get with the lookup key sanitized first: characters outside
// the safe key alphabet are replaced with underscores before the lookup.
func (pm *Map) GetStrict(name, def string) string {
	return pm.lookup(name, def, true)
}

func (pm *Map) lookup(name, def string, strict bool) string {
	if strict {
		name = sanitizeKey(name)
	}
	key := pm.prefix + name

	pm.arena.mu.Lock()
	defer pm.arena.mu.Unlock()
	v, ok := pm.arena.values[key]
	if !ok {
		return def
	}
	return v
}

// Set stores a value and commits unless the node is locked.
func (pm *Map) Set(name, value string) *Map {
	pm.arena.mu.Lock()
	pm.arena.values[pm.prefix+name] = value
	pm.arena.mu.Unlock()

	pm.afterWrite()
	return pm
}

// SetDefault stores a value only if the key is absent. It never commits.
func (pm *Map) SetDefault(name, value string) {
	key := pm.prefix + name

	pm.arena.mu.Lock()
	defer pm.arena.mu.Unlock()
	if _, ok := pm.arena.values[key]; !ok {
		pm.arena.values[key] = value
	}
}

// Erase removes a key. Missing keys are not an error.
func (pm *Map) Erase(name string) *Map {
	pm.arena.mu.Lock()
	delete(pm.arena.values, pm.prefix+name)
	pm.arena.mu.Unlock()
	return pm
}

// GetInt returns the numeric value of name, or def when absent or
// unparsable.
func (pm *Map) GetInt(name string, def int) int {
	v := pm.Get(name, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SetInt stores a numeric value as its decimal string.
func (pm *Map) SetInt(name string, value int) *Map {
	return pm.Set(name, strconv.Itoa(value))
}

// GetInt64 returns the numeric value of name, or def when absent or
// unparsable.
func (pm *Map) GetInt64(name string, def int64) int64 {
	v := pm.Get(name, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetInt64 stores a numeric value as its decimal string.
func (pm *Map) SetInt64(name string, value int64) *Map {
	return pm.Set(name, strconv.FormatInt(value, 10))
}

// GetBool decodes a stored boolean: any value starting with 'y', 't' or '1'
// is true, anything else false. Absent keys return def.
func (pm *Map) GetBool(name string, def bool) bool {
	v := pm.Get(name, "")
	if v == "" {
		return def
	}
	return v[0] == 'y' || v[0] == 't' || v[0] == '1'
}

// SetBool stores a boolean as "y" or "n".
func (pm *Map) SetBool(name string, value bool) *Map {
	v := "n"
	if value {
		v = "y"
	}
	return pm.Set(name, v)
}

// EnumKeys returns the keys directly under this node's prefix, with the
// prefix stripped and keys that descend into subgroups excluded. The result
// is sorted for deterministic iteration.
func (pm *Map) EnumKeys() []string {
	pm.arena.mu.Lock()
	var keys []string
	for key := range pm.arena.values {
		if !strings.HasPrefix(key, pm.prefix) {
			continue
		}
		rest := key[len(pm.prefix):]
		if strings.Contains(rest, GroupSeparator) {
			continue
		}
		keys = append(keys, rest)
	}
	pm.arena.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Contains reports whether name exists. With useBlank set, empty values
// count as missing.
func (pm *Map) Contains(name string, useBlank bool) bool {
	key := pm.prefix + name

	pm.arena.mu.Lock()
	defer pm.arena.mu.Unlock()
	v, ok := pm.arena.values[key]
	if ok && useBlank {
		return v != ""
	}
	return ok
}

// Clear erases only the keys directly visible at this node (subgroup keys
// survive).
func (pm *Map) Clear() *Map {
	for _, k := range pm.EnumKeys() {
		pm.arena.mu.Lock()
		delete(pm.arena.values, pm.prefix+k)
		pm.arena.mu.Unlock()
	}
	return pm
}

// ClearAll erases the entire shared map, including every subgroup's keys.
func (pm *Map) ClearAll() *Map {
	pm.arena.mu.Lock()
	pm.arena.values = make(map[string]string)
	pm.arena.mu.Unlock()
	return pm
}

// Lock suspends the per-write commit. In-memory mutations stay immediate;
// only the persistence flush is deferred until Unlock.
func (pm *Map) Lock() *Map {
	pm.locked = true
	pm.changed = false
	return pm
}

// Unlock re-enables per-write commits and flushes once if anything was
// written while locked.
func (pm *Map) Unlock() *Map {
	pm.locked = false
	if pm.changed {
		pm.commitChanges()
	}
	return pm
}

// afterWrite commits immediately or records dirtiness under a Lock.
func (pm *Map) afterWrite() {
	if pm.locked {
		pm.changed = true
		return
	}
	pm.commitChanges()
}

// commitChanges propagates to the parent until the root, which flushes the
// whole map through the attached SyncTarget. Without a target it is a
// no-op.
func (pm *Map) commitChanges() {
	if pm.parent != nil {
		pm.parent.commitChanges()
		return
	}
	pm.flush()
}

func (pm *Map) flush() {
	pm.arena.mu.Lock()
	target := pm.arena.target
	if target == nil {
		pm.arena.mu.Unlock()
		return
	}
	snapshot := make(map[string]string, len(pm.arena.values))
	for k, v := range pm.arena.values {
		snapshot[k] = v
	}
	pm.arena.mu.Unlock()

	// Best effort: a failed flush must not poison the in-memory state.
	_ = target.SaveAll(snapshot)
}

// Sync flushes the map through the root's persistence adapter.
func (pm *Map) Sync() error {
	if pm.parent != nil {
		return pm.parent.Sync()
	}

	pm.arena.mu.Lock()
	target := pm.arena.target
	if target == nil {
		pm.arena.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]string, len(pm.arena.values))
	for k, v := range pm.arena.values {
		snapshot[k] = v
	}
	pm.arena.mu.Unlock()

	return target.SaveAll(snapshot)
}

// FilterParameter strips every character outside the safe key alphabet from
// the value of name, in place. It returns false only when filtering left an
// existing value empty. Missing parameters return true untouched.
func (pm *Map) FilterParameter(name string) bool {
	if !pm.Contains(name, false) {
		return true
	}

	value := pm.Get(name, "")
	filtered := make([]byte, 0, len(value))
	for i := 0; i < len(value); i++ {
		if strings.IndexByte(safeKeyChars, value[i]) >= 0 {
			filtered = append(filtered, value[i])
		}
	}
	if len(filtered) == len(value) {
		return true
	}

	pm.arena.mu.Lock()
	pm.arena.values[pm.prefix+name] = string(filtered)
	pm.arena.mu.Unlock()
	pm.afterWrite()

	return len(filtered) != 0
}

// ToMap exports this node's directly visible keys as a plain map, prefix
// stripped.
func (pm *Map) ToMap() map[string]string {
	out := make(map[string]string)
	for _, k := range pm.EnumKeys() {
		out[k] = pm.Get(k, "")
	}
	return out
}

// FromMap bulk-imports keys from src. With clearBefore the node's direct
// keys are erased first; with replace existing keys are overwritten,
// otherwise they are kept. The commit decision is made once after the bulk
// write.
func (pm *Map) FromMap(src map[string]string, clearBefore, replace bool) {
	if clearBefore {
		pm.Clear()
	}

	pm.arena.mu.Lock()
	for k, v := range src {
		key := pm.prefix + k
		if _, exists := pm.arena.values[key]; replace || !exists {
			pm.arena.values[key] = v
		}
	}
	pm.arena.mu.Unlock()

	pm.afterWrite()
}

// FromParameters imports the directly visible keys of another node.
func (pm *Map) FromParameters(src *Map, clearBefore, replace bool) {
	pm.FromMap(src.ToMap(), clearBefore, replace)
}
