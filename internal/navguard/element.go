package navguard

import "strings"

// Element is the part of a clicked DOM node the guard needs. The client
// sends the clicked node with its ancestors linked through Parent.
type Element struct {
	Tag      string   `json:"tag"`
	Href     string   `json:"href,omitempty"`
	Target   string   `json:"target,omitempty"`
	Download bool     `json:"download,omitempty"`
	Parent   *Element `json:"parent,omitempty"`
}

// Anchor returns the nearest element, starting at e itself, that is an
// anchor with an href. It returns nil if there is none.
func (e *Element) Anchor() *Element {
	for n := e; n != nil; n = n.Parent {
		if strings.EqualFold(n.Tag, "a") && n.Href != "" {
			return n
		}
	}
	return nil
}
