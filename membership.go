package tipc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Member of a `Group`: a socket bound to one instance of the group
// service type.
type Member struct {
	Socket   SocketAddress
	Instance uint32
}

func (m Member) String() string {
	return fmt.Sprintf("%s#%d", m.Socket, m.Instance)
}

const (
	byInstance = 'i'
	bySocket   = 's'
)

func (m Member) instanceKey() []byte {
	k := make([]byte, 0, 13)
	k = append(k, byInstance)
	k = binary.BigEndian.AppendUint32(k, m.Instance)
	k = binary.BigEndian.AppendUint32(k, m.Socket.node)
	return binary.BigEndian.AppendUint32(k, m.Socket.ref)
}

func (m Member) socketKey() []byte {
	return binary.BigEndian.AppendUint32(socketPrefix(m.Socket), m.Instance)
}

func socketPrefix(addr SocketAddress) []byte {
	k := make([]byte, 0, 13)
	k = append(k, bySocket)
	k = binary.BigEndian.AppendUint32(k, addr.node)
	return binary.BigEndian.AppendUint32(k, addr.ref)
}

func instanceBound(instance uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{byInstance}, instance)
}

// membership is the table of the members of a group.
//
// Readers load an immutable snapshot, writers build the next one under
// a lock and swap it in, so a reader never sees half of an update. Every
// member is indexed by instance and by socket.
type membership struct {
	lk   sync.Mutex
	tree atomic.Pointer[iradix.Tree]
}

func newMembership() *membership {
	ms := &membership{}
	ms.tree.Store(iradix.New())
	return ms
}

// add reports false when m was already known.
func (ms *membership) add(m Member) bool {
	ms.lk.Lock()
	defer ms.lk.Unlock()

	txn := ms.tree.Load().Txn()
	if _, known := txn.Get(m.instanceKey()); known {
		return false
	}
	txn.Insert(m.instanceKey(), m)
	txn.Insert(m.socketKey(), m)
	ms.tree.Store(txn.Commit())
	return true
}

// remove reports false when m was not a member.
func (ms *membership) remove(m Member) bool {
	ms.lk.Lock()
	defer ms.lk.Unlock()

	txn := ms.tree.Load().Txn()
	if _, known := txn.Delete(m.instanceKey()); !known {
		return false
	}
	txn.Delete(m.socketKey())
	ms.tree.Store(txn.Commit())
	return true
}

// evict removes every binding of a socket, returning them.
func (ms *membership) evict(addr SocketAddress) []Member {
	ms.lk.Lock()
	defer ms.lk.Unlock()

	tree := ms.tree.Load()
	evicted := ms.socketMembers(tree, addr)
	if len(evicted) == 0 {
		return nil
	}
	txn := tree.Txn()
	for _, m := range evicted {
		txn.Delete(m.instanceKey())
		txn.Delete(m.socketKey())
	}
	ms.tree.Store(txn.Commit())
	return evicted
}

// has reports whether the socket is still bound to some instance.
func (ms *membership) has(addr SocketAddress) bool {
	return len(ms.socketMembers(ms.tree.Load(), addr)) > 0
}

func (ms *membership) socketMembers(tree *iradix.Tree, addr SocketAddress) []Member {
	var found []Member
	tree.Root().WalkPrefix(socketPrefix(addr), func(_ []byte, v interface{}) bool {
		found = append(found, v.(Member))
		return false
	})
	return found
}

// lookup returns the members bound within [lower, upper], ordered by
// instance then socket.
func (ms *membership) lookup(lower, upper uint32) []Member {
	it := ms.tree.Load().Root().Iterator()
	it.SeekLowerBound(instanceBound(lower))

	var found []Member
	for key, v, ok := it.Next(); ok; key, v, ok = it.Next() {
		if len(key) == 0 || key[0] != byInstance {
			break
		}
		m := v.(Member)
		if m.Instance > upper {
			break
		}
		found = append(found, m)
	}
	return found
}

// sockets returns the distinct sockets bound within [lower, upper].
func (ms *membership) sockets(lower, upper uint32) []SocketAddress {
	var out []SocketAddress
	seen := make(map[SocketAddress]struct{})
	for _, m := range ms.lookup(lower, upper) {
		if _, dup := seen[m.Socket]; dup {
			continue
		}
		seen[m.Socket] = struct{}{}
		out = append(out, m.Socket)
	}
	return out
}

func (ms *membership) size() int {
	return ms.tree.Load().Len() / 2
}
