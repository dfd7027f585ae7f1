package health

import (
	"github.com/postalsys/fleetbus/internal/session"
)

// SessionProvider reports the health of a session.
type SessionProvider struct {
	role    string
	sess    *session.Session
	clients ClientLister
}

// ForServer returns a provider for a server session.
func ForServer(s *session.Server) *SessionProvider {
	return &SessionProvider{role: "server", sess: s.Session, clients: s}
}

// ForClient returns a provider for a client session.
func ForClient(c *session.Client) *SessionProvider {
	return &SessionProvider{role: "client", sess: c.Session}
}

// IsRunning reports whether the session is connected.
func (p *SessionProvider) IsRunning() bool {
	return p.sess.State() == session.StateConnected
}

// Stats returns a snapshot of the session.
func (p *SessionProvider) Stats() Stats {
	st := Stats{
		Role:         p.role,
		State:        p.sess.State().String(),
		Identity:     p.sess.Hash(),
		PendingCalls: p.sess.PendingCalls(),
		SharedKeyID:  -1,
		Tags:         len(p.sess.Tags()),
	}
	if id, ok := p.sess.SharedKeys().CurrentID(); ok {
		st.SharedKeyID = int(id)
	}
	if p.clients != nil {
		st.ClientCount = len(p.clients.Clients())
	}
	return st
}

// Clients returns the server's client list, or nil for a client session.
func (p *SessionProvider) Clients() []session.ClientInfo {
	if p.clients == nil {
		return nil
	}
	return p.clients.Clients()
}

// Attach registers p with srv, enabling /clients for servers.
func (p *SessionProvider) Attach(srv *Server) {
	if p.clients != nil {
		srv.SetClientLister(p)
	}
}
