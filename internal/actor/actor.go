// Package actor identifies who is driving a session. Identity is bound
// once when the session opens and consulted by policy predicates on every
// action request.
package actor

// Actor is an authenticated identity with attributes for policy
// evaluation. A nil Actor represents an anonymous connection.
type Actor struct {
	ID    string
	Attrs map[string]string
}

// Attr returns the named attribute. Missing attributes and anonymous
// actors report the empty string.
func (a *Actor) Attr(key string) string {
	if a == nil {
		return ""
	}
	return a.Attrs[key]
}

// IsAnonymous reports whether the actor carries no authenticated identity.
func (a *Actor) IsAnonymous() bool {
	return a == nil || a.ID == ""
}
