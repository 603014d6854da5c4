package acp

import (
	"errors"
	"fmt"
)

// UnknownNodeError indicates a node id outside the directory bounds.
type UnknownNodeError struct {
	ID NodeID
}

// Error implements error.
func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node id %d", e.ID)
}

// UnknownAddressError indicates a link-layer address not present in
// the directory.
type UnknownAddressError struct {
	Addr string
}

// Error implements error.
func (e *UnknownAddressError) Error() string {
	return fmt.Sprintf("unknown link address %q", e.Addr)
}

// Directory is the static table mapping node ids to link-layer
// addresses, fixed for the lifetime of the deployment. NodeIDs are
// dense: the id of a node is its index in the table.
type Directory struct {
	addrs []string
	ids   map[string]NodeID
}

// NewDirectory builds a directory from link-layer addresses indexed
// by node id. Addresses must be unique and non-empty, and the table
// must stay below the invalid node id.
func NewDirectory(addrs []string) (*Directory, error) {
	if len(addrs) == 0 {
		return nil, errors.New("empty directory")
	}
	if len(addrs) >= int(InvalidNodeID) {
		return nil, fmt.Errorf("directory too large: %d nodes", len(addrs))
	}
	d := &Directory{
		addrs: append([]string(nil), addrs...),
		ids:   make(map[string]NodeID, len(addrs)),
	}
	for i, addr := range addrs {
		if addr == "" {
			return nil, fmt.Errorf("node %d has an empty address", i)
		}
		if _, dup := d.ids[addr]; dup {
			return nil, fmt.Errorf("duplicate address %q", addr)
		}
		d.ids[addr] = NodeID(i)
	}
	return d, nil
}

// Lookup resolves a node id to its link-layer address.
func (d *Directory) Lookup(id NodeID) (string, error) {
	if !d.Contains(id) {
		return "", &UnknownNodeError{ID: id}
	}
	return d.addrs[id], nil
}

// Resolve resolves a link-layer address back to a node id.
func (d *Directory) Resolve(addr string) (NodeID, error) {
	id, ok := d.ids[addr]
	if !ok {
		return InvalidNodeID, &UnknownAddressError{Addr: addr}
	}
	return id, nil
}

// Contains reports whether id is within directory bounds.
func (d *Directory) Contains(id NodeID) bool {
	return int(id) < len(d.addrs)
}

// Len reports the number of nodes in the deployment.
func (d *Directory) Len() int {
	return len(d.addrs)
}

// Peers returns the node ids of every node except own.
func (d *Directory) Peers(own NodeID) []NodeID {
	peers := make([]NodeID, 0, len(d.addrs)-1)
	for i := range d.addrs {
		if NodeID(i) != own {
			peers = append(peers, NodeID(i))
		}
	}
	return peers
}
