package wire

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry is the clients map keyed by remote "ip:port". Writes happen
// on accept and close, reads from every task.
type Registry struct {
	m      *xsync.Map[string, *Conn]
	nextID atomic.Int64
}

// NewRegistry creates an empty registry. Client ids start at 1.
func NewRegistry() *Registry {
	return &Registry{m: xsync.NewMap[string, *Conn]()}
}

// NextID hands out the next sequential client id.
func (r *Registry) NextID() int {
	return int(r.nextID.Add(1))
}

// Add registers c under its remote address.
func (r *Registry) Add(c *Conn) {
	r.m.Store(c.RemoteAddr(), c)
}

// Remove drops c; reports whether it was present.
func (r *Registry) Remove(c *Conn) bool {
	_, ok := r.m.LoadAndDelete(c.RemoteAddr())
	return ok
}

// Get returns the connection for addr, if still registered.
func (r *Registry) Get(addr string) (*Conn, bool) {
	return r.m.Load(addr)
}

// Range calls fn for every registered client until it returns false.
func (r *Registry) Range(fn func(*Conn) bool) {
	r.m.Range(func(_ string, c *Conn) bool {
		return fn(c)
	})
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return r.m.Size()
}

// All returns a snapshot of the registered clients.
func (r *Registry) All() []*Conn {
	out := make([]*Conn, 0, r.Len())
	r.Range(func(c *Conn) bool {
		out = append(out, c)
		return true
	})
	return out
}
