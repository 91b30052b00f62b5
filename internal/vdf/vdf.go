// Package vdf implements just enough of Valve's textual Data Format to read
// and write the Key.vdf depot-key registry committed alongside each app's
// manifests:
//
//	"depots"
//	{
//		"<depot_id>"
//		{
//			"DecryptionKey"		"<hex>"
//		}
//	}
//
// There is no general-purpose VDF library available to ground this on (see
// DESIGN.md); the grammar is small enough to hand-roll rather than reach
// for a generic key-value library.
package vdf

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Node is a recursive key-value node: either a leaf string value or a set of
// named children, never both.
type Node struct {
	Value    string
	Children map[string]*Node
}

// NewObject returns an empty container node.
func NewObject() *Node {
	return &Node{Children: map[string]*Node{}}
}

// IsLeaf reports whether n holds a scalar value rather than children.
func (n *Node) IsLeaf() bool {
	return n != nil && n.Children == nil
}

// Get returns the named child, or nil if absent or n is a leaf.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Children == nil {
		return nil
	}
	return n.Children[key]
}

// Set inserts or replaces a named child.
func (n *Node) Set(key string, child *Node) {
	if n.Children == nil {
		n.Children = map[string]*Node{}
	}
	n.Children[key] = child
}

// SetString is a convenience for Set(key, &Node{Value: value}).
func (n *Node) SetString(key, value string) {
	n.Set(key, &Node{Value: value})
}

// KeyRegistry is the typed view of a Key.vdf document: "depots" { "<id>" { "DecryptionKey" "<hex>" } }.
type KeyRegistry struct {
	root *Node
}

// NewKeyRegistry returns an empty "depots" {} registry.
func NewKeyRegistry() *KeyRegistry {
	root := NewObject()
	root.Set("depots", NewObject())
	return &KeyRegistry{root: root}
}

// ParseKeyRegistry decodes a Key.vdf blob. A decode failure yields the empty
// document rather than propagating an error, matching how every tree-blob
// reader here treats a corrupt or missing blob; the bool return reports
// whether decoding succeeded, for callers that want to log it.
func ParseKeyRegistry(data []byte) (*KeyRegistry, bool) {
	root, err := Parse(data)
	if err != nil || root.Get("depots") == nil {
		return NewKeyRegistry(), false
	}
	return &KeyRegistry{root: root}, true
}

// UpsertKey records depotID's decryption key (upper-case hex). Keys already
// present are overwritten in place, never removed.
func (k *KeyRegistry) UpsertKey(depotID uint32, keyHex string) {
	depots := k.root.Get("depots")
	if depots == nil {
		depots = NewObject()
		k.root.Set("depots", depots)
	}
	id := strconv.FormatUint(uint64(depotID), 10)
	entry := depots.Get(id)
	if entry == nil || entry.IsLeaf() {
		entry = NewObject()
		depots.Set(id, entry)
	}
	entry.SetString("DecryptionKey", keyHex)
}

// Key returns the recorded hex decryption key for depotID, if any.
func (k *KeyRegistry) Key(depotID uint32) (string, bool) {
	depots := k.root.Get("depots")
	if depots == nil {
		return "", false
	}
	entry := depots.Get(strconv.FormatUint(uint64(depotID), 10))
	if entry == nil {
		return "", false
	}
	key := entry.Get("DecryptionKey")
	if key == nil || !key.IsLeaf() {
		return "", false
	}
	return key.Value, true
}

// Encode serializes the registry back to VDF text, with depot ids sorted
// numerically so output is deterministic across runs.
func (k *KeyRegistry) Encode() []byte {
	return Encode(k.root)
}

// Encode serializes an arbitrary node tree as a top-level VDF document.
func Encode(root *Node) []byte {
	var b strings.Builder
	for _, key := range sortedKeys(root) {
		writeNode(&b, 0, key, root.Children[key])
	}
	return []byte(b.String())
}

func sortedKeys(n *Node) []string {
	keys := make([]string, 0, len(n.Children))
	for k := range n.Children {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// Numeric keys (depot ids) sort numerically; everything else falls
		// back to lexical order so "DecryptionKey" stays stable.
		ni, erri := strconv.ParseUint(keys[i], 10, 64)
		nj, errj := strconv.ParseUint(keys[j], 10, 64)
		if erri == nil && errj == nil {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func writeNode(b *strings.Builder, depth int, key string, n *Node) {
	indent := strings.Repeat("\t", depth)
	if n.IsLeaf() {
		fmt.Fprintf(b, "%s%q\t\t%q\n", indent, key, n.Value)
		return
	}
	fmt.Fprintf(b, "%s%q\n%s{\n", indent, key, indent)
	for _, childKey := range sortedKeys(n) {
		writeNode(b, depth+1, childKey, n.Children[childKey])
	}
	fmt.Fprintf(b, "%s}\n", indent)
}
