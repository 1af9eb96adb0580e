// Package router maps connection IDs to sessions.
//
// Every session has one primary connection ID and any number of aliases
// (rotated or server-chosen IDs). Both resolve to the same session, and
// removing a session drops the primary and all aliases in one step.
package router

import (
	"errors"
	"time"

	"github.com/postalsys/quicmux/internal/cid"
	"github.com/postalsys/quicmux/internal/session"
)

var (
	// ErrDuplicateIdentifier is returned when an ID already routes to a
	// different session.
	ErrDuplicateIdentifier = errors.New("connection ID already routes to another session")

	// ErrUnknownSession is returned when aliasing a session that has no
	// primary route.
	ErrUnknownSession = errors.New("session is not registered")

	// ErrAlreadyRegistered is returned when adding a session that already has
	// a different primary ID. Use AssociateAlias for additional IDs.
	ErrAlreadyRegistered = errors.New("session already registered under another connection ID")
)

// entry holds a session and every ID that routes to it.
type entry struct {
	session      session.Session
	primary      cid.ID
	aliases      map[cid.ID]struct{}
	lastActivity time.Time
}

// Router is the connection ID routing table. It is not safe for concurrent
// use: the socket loop owns it.
type Router struct {
	primary map[cid.ID]*entry
	aliases map[cid.ID]cid.ID // alias -> primary
	owners  map[session.Session]*entry
	now     func() time.Time
}

// New creates an empty router.
func New() *Router {
	return &Router{
		primary: make(map[cid.ID]*entry),
		aliases: make(map[cid.ID]cid.ID),
		owners:  make(map[session.Session]*entry),
		now:     time.Now,
	}
}

// lookup finds the entry an ID routes to, through an alias if needed.
func (r *Router) lookup(id cid.ID) *entry {
	if e, ok := r.primary[id]; ok {
		return e
	}
	if p, ok := r.aliases[id]; ok {
		return r.primary[p]
	}
	return nil
}

// AddSession registers s under id. Adding the same session under the same ID
// again is a no-op.
func (r *Router) AddSession(id cid.ID, s session.Session) error {
	if e := r.lookup(id); e != nil {
		if e.session != s {
			return ErrDuplicateIdentifier
		}
		if e.primary == id {
			return nil
		}
		return ErrAlreadyRegistered
	}
	if _, ok := r.owners[s]; ok {
		return ErrAlreadyRegistered
	}

	e := &entry{
		session:      s,
		primary:      id,
		aliases:      make(map[cid.ID]struct{}),
		lastActivity: r.now(),
	}
	r.primary[id] = e
	r.owners[s] = e
	s.OnAssociated(id)
	return nil
}

// AssociateAlias adds alias as another route to an already registered
// session.
func (r *Router) AssociateAlias(alias cid.ID, s session.Session) error {
	e, ok := r.owners[s]
	if !ok {
		return ErrUnknownSession
	}
	if existing := r.lookup(alias); existing != nil {
		if existing != e {
			return ErrDuplicateIdentifier
		}
		return nil
	}

	r.aliases[alias] = e.primary
	e.aliases[alias] = struct{}{}
	s.OnAssociated(alias)
	return nil
}

// DisassociateAlias removes one alias. Primary IDs are left alone; use
// RemoveSession for those. It reports whether an alias was removed.
func (r *Router) DisassociateAlias(alias cid.ID) bool {
	p, ok := r.aliases[alias]
	if !ok {
		return false
	}
	delete(r.aliases, alias)
	if e := r.primary[p]; e != nil {
		delete(e.aliases, alias)
		e.session.OnDisassociated(alias)
	}
	return true
}

// RemoveSession removes the session id routes to, together with its primary
// ID and every alias. id may be any of them. It returns the removed session,
// or nil if id was unknown.
func (r *Router) RemoveSession(id cid.ID) session.Session {
	e := r.lookup(id)
	if e == nil {
		return nil
	}

	for alias := range e.aliases {
		delete(r.aliases, alias)
	}
	delete(r.primary, e.primary)
	delete(r.owners, e.session)

	for alias := range e.aliases {
		e.session.OnDisassociated(alias)
	}
	e.session.OnDisassociated(e.primary)
	return e.session
}

// Resolve returns the session id routes to.
func (r *Router) Resolve(id cid.ID) (session.Session, bool) {
	e := r.lookup(id)
	if e == nil {
		return nil, false
	}
	return e.session, true
}

// Touch records activity on the session id routes to.
func (r *Router) Touch(id cid.ID, now time.Time) {
	if e := r.lookup(id); e != nil {
		e.lastActivity = now
	}
}

// Expired returns the primary IDs of sessions idle for longer than their
// Settings().IdleTimeout. Sessions with a zero timeout never expire.
func (r *Router) Expired(now time.Time) []cid.ID {
	var out []cid.ID
	for id, e := range r.primary {
		timeout := e.session.Settings().IdleTimeout
		if timeout > 0 && now.Sub(e.lastActivity) > timeout {
			out = append(out, id)
		}
	}
	return out
}

// IDs returns every ID routing to s, primary first.
func (r *Router) IDs(s session.Session) []cid.ID {
	e, ok := r.owners[s]
	if !ok {
		return nil
	}
	out := make([]cid.ID, 0, 1+len(e.aliases))
	out = append(out, e.primary)
	for alias := range e.aliases {
		out = append(out, alias)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Router) Len() int {
	return len(r.primary)
}

// AliasCount returns the number of alias routes.
func (r *Router) AliasCount() int {
	return len(r.aliases)
}

// Clear removes every session, signalling each disassociation.
func (r *Router) Clear() {
	for id := range r.primary {
		r.RemoveSession(id)
	}
}
