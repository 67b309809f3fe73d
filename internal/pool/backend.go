package pool

// Backend is one downstream server in a ServerPool. Its counters are not
// synchronized: they are only read or written by the owning pool while the
// caller holds the pool's gate.
type Backend struct {
	address string

	activeConns int
	dispatched  int
}

func (b *Backend) Address() string        { return b.address }
func (b *Backend) ActiveConnections() int { return b.activeConns }
func (b *Backend) Dispatched() int        { return b.dispatched }

// BackendState is a point-in-time copy of a Backend's counters.
type BackendState struct {
	Address           string `json:"address"`
	ActiveConnections int    `json:"active_connections"`
	Dispatched        int    `json:"dispatched"`
}
