// Package catalog defines the read-only external catalog the engine consults
// to resolve ids to downloadable URLs and to walk folders recursively. The
// catalog itself — ingestion, indexing, search — lives outside this module;
// this package only names the interface the engine consumes and ships a
// small JSON-file-backed implementation for tests and standalone use.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/myrientdl/myrientdl/internal/types"
)

// Catalog is the read-only collaborator the Folder Expander and the add
// RPC resolve ids against.
type Catalog interface {
	// Resolve returns the node for id, or an error if it does not exist.
	Resolve(id string) (types.CatalogNode, error)

	// ListChildren returns the direct children of the folder node id.
	ListChildren(id string) ([]types.CatalogNode, error)

	// AncestorTitles returns the chain of folder titles from the catalog
	// root down to (not including) node id, root first. Used to compose
	// preserve_structure save paths.
	AncestorTitles(id string) ([]string, error)
}

// ErrNotFound is returned by Resolve/ListChildren/AncestorTitles when an id
// has no corresponding node.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("catalog: node %q not found", e.ID)
}

// JSONCatalog is a Catalog backed by a flat slice of nodes, typically loaded
// from a fixture file. It is not meant to scale to the real catalog; it
// exists so the engine can be exercised without a live catalog service.
type JSONCatalog struct {
	nodes    map[string]types.CatalogNode
	children map[string][]string
}

// LoadJSONCatalog reads a JSON array of types.CatalogNode from path and
// indexes it by id and parent id.
func LoadJSONCatalog(path string) (*JSONCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var nodes []types.CatalogNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, err
	}
	return NewJSONCatalog(nodes), nil
}

// NewJSONCatalog indexes an in-memory slice of nodes.
func NewJSONCatalog(nodes []types.CatalogNode) *JSONCatalog {
	c := &JSONCatalog{
		nodes:    make(map[string]types.CatalogNode, len(nodes)),
		children: make(map[string][]string),
	}
	for _, n := range nodes {
		c.nodes[n.ID] = n
		if n.ParentID != "" {
			c.children[n.ParentID] = append(c.children[n.ParentID], n.ID)
		}
	}
	return c
}

func (c *JSONCatalog) Resolve(id string) (types.CatalogNode, error) {
	n, ok := c.nodes[id]
	if !ok {
		return types.CatalogNode{}, &ErrNotFound{ID: id}
	}
	return n, nil
}

func (c *JSONCatalog) ListChildren(id string) ([]types.CatalogNode, error) {
	if _, ok := c.nodes[id]; !ok && id != "" {
		return nil, &ErrNotFound{ID: id}
	}
	ids := c.children[id]
	out := make([]types.CatalogNode, 0, len(ids))
	for _, cid := range ids {
		out = append(out, c.nodes[cid])
	}
	return out, nil
}

func (c *JSONCatalog) AncestorTitles(id string) ([]string, error) {
	n, ok := c.nodes[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}

	var titles []string
	cur := n.ParentID
	for cur != "" {
		parent, ok := c.nodes[cur]
		if !ok {
			break
		}
		titles = append([]string{parent.Title}, titles...)
		cur = parent.ParentID
	}
	return titles, nil
}
