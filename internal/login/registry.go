package login

// registry tracks which session currently holds each account. It is keyed on
// the account id, so every spelling of a name that resolves to the same
// account counts as the same holder.
type registry struct {
	sessions map[uint64]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uint64]*Session)}
}

// register claims accountID for s, failing if another session holds it.
func (r *registry) register(accountID uint64, s *Session) bool {
	if owner, ok := r.sessions[accountID]; ok && owner != s {
		return false
	}
	r.sessions[accountID] = s
	return true
}

// unregister releases accountID if s is the session holding it.
func (r *registry) unregister(accountID uint64, s *Session) {
	if r.sessions[accountID] == s {
		delete(r.sessions, accountID)
	}
}

func (r *registry) len() int {
	return len(r.sessions)
}
