// Package world holds the campus the agents live in: the map, the calendar,
// the simulation loop and the long-lived social state around it.
package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/nidhogg/campus-world/internal/agent"
)

var (
	ErrUnknownLocation = errors.New("unknown location")
	ErrUnknownAgent    = errors.New("agent is not on the map")
)

// Resident is anything the map can place. *agent.Agent satisfies it.
type Resident interface {
	Name() string
	SetLocation(string)
}

// Location is one named place.
type Location struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Agents      []string `json:"agents"`
}

// Map is the set of locations in file order and who stands where. Every
// resident is at exactly one location.
type Map struct {
	mu        sync.RWMutex
	order     []string
	desc      map[string]string
	occupants map[string][]string
	residents map[string]Resident
	at        map[string]string
}

// NewMap creates a map over locations in order. The first one is where new
// residents are placed.
func NewMap(locations []Location) *Map {
	m := &Map{
		desc:      make(map[string]string),
		occupants: make(map[string][]string),
		residents: make(map[string]Resident),
		at:        make(map[string]string),
	}
	for _, l := range locations {
		if _, dup := m.desc[l.Name]; dup {
			continue
		}
		m.order = append(m.order, l.Name)
		m.desc[l.Name] = l.Description
	}
	return m
}

// LoadMap reads {"locations": {name: {"description": ...}}}, keeping the
// order the locations appear in.
func LoadMap(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open map: %w", err)
	}
	defer f.Close()
	m, err := ParseMap(f)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	return m, nil
}

// ParseMap decodes a map document from r.
func ParseMap(r io.Reader) (*Map, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var locations []Location
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if key != "locations" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}
		for dec.More() {
			name, err := dec.Token()
			if err != nil {
				return nil, err
			}
			var body struct {
				Description string `json:"description"`
			}
			if err := dec.Decode(&body); err != nil {
				return nil, fmt.Errorf("location %v: %w", name, err)
			}
			locations = append(locations, Location{Name: name.(string), Description: body.Description})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
	}
	if len(locations) == 0 {
		return nil, errors.New("no locations")
	}
	return NewMap(locations), nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// Default returns the first location.
func (m *Map) Default() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return ""
	}
	return m.order[0]
}

// Has reports whether loc exists.
func (m *Map) Has(loc string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.desc[loc]
	return ok
}

// Place puts r at the default location, or leaves it where it is if it is
// already on the map.
func (m *Map) Place(r Resident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return ErrUnknownLocation
	}
	if _, ok := m.at[r.Name()]; ok {
		return nil
	}
	loc := m.order[0]
	m.residents[r.Name()] = r
	m.at[r.Name()] = loc
	m.occupants[loc] = append(m.occupants[loc], r.Name())
	r.SetLocation(loc)
	return nil
}

// Move takes name out of its location and into loc in one step. An unknown
// target leaves the map unchanged.
func (m *Map) Move(name, loc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.desc[loc]; !ok {
		return fmt.Errorf("move %s to %q: %w", name, loc, ErrUnknownLocation)
	}
	from, ok := m.at[name]
	if !ok {
		return fmt.Errorf("move %s: %w", name, ErrUnknownAgent)
	}
	if from == loc {
		return nil
	}
	m.occupants[from] = slices.DeleteFunc(m.occupants[from], func(n string) bool { return n == name })
	m.occupants[loc] = append(m.occupants[loc], name)
	m.at[name] = loc
	m.residents[name].SetLocation(loc)
	return nil
}

// LocationOf returns where name stands.
func (m *Map) LocationOf(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.at[name]
	return loc, ok
}

// AgentsAt lists the residents at loc in arrival order.
func (m *Map) AgentsAt(loc string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.occupants[loc])
}

// Locations returns every location with its current occupants.
func (m *Map) Locations() []Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Location, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, Location{Name: name, Description: m.desc[name], Agents: slices.Clone(m.occupants[name])})
	}
	return out
}

// Places is the map as agents see it when planning their day.
func (m *Map) Places() []agent.Place {
	locs := m.Locations()
	out := make([]agent.Place, 0, len(locs))
	for _, l := range locs {
		out = append(out, agent.Place{Name: l.Name, Description: l.Description, Agents: l.Agents})
	}
	return out
}
