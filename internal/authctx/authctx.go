// Package authctx mirrors the active identity for the rest of the application.
package authctx

import (
	"sync"

	"github.com/and161185/goph-identity/internal/model"
)

// Identity is the identity components should use for requests and cache keys.
type Identity struct {
	UserID      string
	ProfileID   string
	EntityID    string
	ProfileType model.ProfileType
	DisplayName string
}

// FromSession derives an Identity from s. A nil session yields the zero Identity.
func FromSession(s *model.Session) Identity {
	if s == nil {
		return Identity{}
	}
	return Identity{
		UserID:      s.UserID,
		ProfileID:   s.ProfileID,
		EntityID:    s.EntityID,
		ProfileType: s.ProfileType,
		DisplayName: s.DisplayName(),
	}
}

// Display is profile display data shown before a switch completes.
type Display struct {
	ProfileID   string
	DisplayName string
	AvatarURL   string
	ProfileType model.ProfileType
}

// Change is delivered to listeners.
type Change struct {
	Identity  Identity
	Switching bool
	Display   *Display
}

// Context holds the identity, the switching flag and the optimistic display.
type Context struct {
	mu        sync.RWMutex
	identity  Identity
	switching bool
	display   *Display
	listeners []func(Change)
}

// New returns an empty Context.
func New() *Context { return &Context{} }

// OnChange registers fn for every mutation. fn runs synchronously.
func (c *Context) OnChange(fn func(Change)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Context) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Context) SetIdentity(id Identity) {
	c.update(func() { c.identity = id })
}

// Switching reports whether a profile switch is in progress. cache.Suspending
// refuses prefetches while it is set.
func (c *Context) Switching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.switching
}

func (c *Context) SetSwitching(v bool) {
	c.update(func() { c.switching = v })
}

// ShowDisplay publishes optimistic display data.
func (c *Context) ShowDisplay(d Display) {
	c.update(func() { c.display = &d })
}

// ClearDisplay withdraws optimistic display data.
func (c *Context) ClearDisplay() {
	c.update(func() { c.display = nil })
}

// Display returns the optimistic display data, if any.
func (c *Context) Display() (Display, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.display == nil {
		return Display{}, false
	}
	return *c.display, true
}

func (c *Context) update(fn func()) {
	c.mu.Lock()
	fn()
	ch := Change{Identity: c.identity, Switching: c.switching}
	if c.display != nil {
		d := *c.display
		ch.Display = &d
	}
	ls := c.listeners
	c.mu.Unlock()
	for _, l := range ls {
		l(ch)
	}
}
