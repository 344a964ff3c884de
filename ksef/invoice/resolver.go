package invoice

import (
	"strings"

	"github.com/beevik/etree"
)

// tier to kolejny stopień dopasowania przestrzeni nazw przy szukaniu pola.
type tier int

const (
	tierDeclared    tier = iota // przestrzeń nazw zadeklarowana na korzeniu
	tierNoNamespace             // element bez przestrzeni nazw
	tierAny                     // dowolna przestrzeń, liczy się tylko nazwa lokalna
)

var tiers = []tier{tierDeclared, tierNoNamespace, tierAny}

// resolver szuka pól po nazwach lokalnych niezależnie od wersji schematu FA
// i narzędzia, które wygenerowało dokument.
type resolver struct {
	base *etree.Element
	ns   string
}

func newResolver(root *etree.Element) *resolver {
	return &resolver{base: root, ns: root.NamespaceURI()}
}

// at zwraca resolver zakotwiczony w elemencie e, z tą samą przestrzenią nazw dokumentu.
func (r *resolver) at(e *etree.Element) *resolver {
	return &resolver{base: e, ns: r.ns}
}

func (r *resolver) matches(e *etree.Element, local string, t tier) bool {
	if e.Tag != local {
		return false
	}
	switch t {
	case tierDeclared:
		return r.ns != "" && e.NamespaceURI() == r.ns
	case tierNoNamespace:
		return e.NamespaceURI() == ""
	default:
		return true
	}
}

// find zwraca elementy pod ścieżką "A/B/C" przy danym stopniu dopasowania.
func (r *resolver) find(path string, t tier) []*etree.Element {
	current := []*etree.Element{r.base}
	for _, step := range strings.Split(path, "/") {
		var next []*etree.Element
		for _, e := range current {
			for _, child := range e.ChildElements() {
				if r.matches(child, step, t) {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// all zwraca elementy z pierwszego stopnia dopasowania, który cokolwiek znalazł.
func (r *resolver) all(path string) []*etree.Element {
	for _, t := range tiers {
		if found := r.find(path, t); len(found) > 0 {
			return found
		}
	}
	return nil
}

func (r *resolver) first(path string) *etree.Element {
	if found := r.all(path); len(found) > 0 {
		return found[0]
	}
	return nil
}

// text zwraca pierwszą niepustą wartość: kolejne ścieżki, a dla każdej kolejne stopnie dopasowania.
func (r *resolver) text(paths ...string) string {
	for _, p := range paths {
		for _, t := range tiers {
			for _, e := range r.find(p, t) {
				if v := strings.TrimSpace(e.Text()); v != "" {
					return v
				}
			}
		}
	}
	return ""
}
