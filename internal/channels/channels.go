// Package channels maps logical channel roles to source channel indices and
// fixes the output channel order.
package channels

import (
	"fmt"
	"strconv"
	"strings"

	"scenesplit/internal/faults"
)

// Binding requests one output channel. Index is authoritative when
// non-negative; otherwise Name is matched against the source channel names.
type Binding struct {
	Role  string
	Index int
	Name  string
}

// ByIndex binds role to a source index.
func ByIndex(role string, index int) Binding {
	return Binding{Role: role, Index: index}
}

// ByName binds role to the source channel called name.
func ByName(role, name string) Binding {
	return Binding{Role: role, Index: -1, Name: name}
}

// ParseBinding parses "role=index" or "role=name".
func ParseBinding(raw string) (Binding, error) {
	role, target, ok := strings.Cut(raw, "=")
	role, target = strings.TrimSpace(role), strings.TrimSpace(target)
	if !ok || role == "" || target == "" {
		return Binding{}, faults.Validation("channels", "channel binding %q must look like role=index or role=name", raw)
	}
	if idx, err := strconv.Atoi(target); err == nil {
		return ByIndex(role, idx), nil
	}
	return ByName(role, target), nil
}

// Entry is one output channel.
type Entry struct {
	Role        string `json:"role"`
	SourceIndex int    `json:"source_index"`
	SourceName  string `json:"source_name"`
}

// Mapping is the ordered list of output channels.
type Mapping []Entry

// Indices returns the source indices in output order.
func (m Mapping) Indices() []int {
	out := make([]int, len(m))
	for i, e := range m {
		out[i] = e.SourceIndex
	}
	return out
}

// Names returns the source channel names in output order.
func (m Mapping) Names() []string {
	out := make([]string, len(m))
	for i, e := range m {
		out[i] = e.SourceName
	}
	return out
}

// Options adjust mapping construction.
type Options struct {
	// AllowRepeat permits the same source index more than once.
	AllowRepeat bool
	// Exclude removes source channels from the identity mapping.
	Exclude []int
}

// Build validates the requested bindings against the source channel names.
// With no bindings the mapping is the identity over all non-excluded
// channels, with roles equal to the channel names.
func Build(channelNames []string, requested []Binding, opts Options) (Mapping, error) {
	n := len(channelNames)
	if n == 0 {
		return nil, faults.Format("channels", "source reports no channels")
	}
	excluded := make(map[int]bool, len(opts.Exclude))
	for _, idx := range opts.Exclude {
		if idx < 0 || idx >= n {
			return nil, faults.Validation("channels", "excluded channel %d out of range [0, %d)", idx, n)
		}
		excluded[idx] = true
	}

	if len(requested) == 0 {
		var m Mapping
		for i, name := range channelNames {
			if excluded[i] {
				continue
			}
			m = append(m, Entry{Role: name, SourceIndex: i, SourceName: name})
		}
		if len(m) == 0 {
			return nil, faults.Validation("channels", "every channel is excluded")
		}
		return m, nil
	}

	bindings, err := mergeRoles(requested)
	if err != nil {
		return nil, err
	}
	m := make(Mapping, 0, len(bindings))
	used := make(map[int]string, len(bindings))
	for _, b := range bindings {
		idx := b.Index
		if idx < 0 {
			if idx, err = matchName(channelNames, b); err != nil {
				return nil, err
			}
		}
		if idx >= n {
			return nil, faults.Validation("channels", "%s channel %d out of range [0, %d)", b.Role, idx, n)
		}
		if excluded[idx] {
			return nil, faults.Validation("channels", "%s channel %d is also excluded", b.Role, idx)
		}
		if prev, dup := used[idx]; dup && !opts.AllowRepeat {
			return nil, faults.Validation("channels", "channel %d requested for both %s and %s", idx, prev, b.Role)
		}
		used[idx] = b.Role
		m = append(m, Entry{Role: b.Role, SourceIndex: idx, SourceName: channelNames[idx]})
	}
	return m, nil
}

// mergeRoles rejects empty or doubly bound roles. A role bound both by index
// and by name keeps the index, at the position it was first requested.
func mergeRoles(requested []Binding) ([]Binding, error) {
	out := make([]Binding, 0, len(requested))
	pos := make(map[string]int, len(requested))
	for _, b := range requested {
		role := strings.TrimSpace(b.Role)
		if role == "" {
			return nil, faults.Validation("channels", "channel binding has an empty role")
		}
		b.Role = role
		if b.Index < 0 && strings.TrimSpace(b.Name) == "" {
			return nil, faults.Validation("channels", "%s channel %d out of range", role, b.Index)
		}
		key := strings.ToLower(role)
		i, seen := pos[key]
		if !seen {
			pos[key] = len(out)
			out = append(out, b)
			continue
		}
		prev := out[i]
		switch {
		case prev.Index >= 0 && b.Index < 0:
			// keep the numeric binding
		case prev.Index < 0 && b.Index >= 0:
			out[i] = b
		default:
			return nil, faults.Validation("channels", "role %s is bound more than once", role)
		}
	}
	return out, nil
}

func matchName(channelNames []string, b Binding) (int, error) {
	want := strings.TrimSpace(b.Name)
	match := -1
	for i, name := range channelNames {
		if !strings.EqualFold(strings.TrimSpace(name), want) {
			continue
		}
		if match >= 0 {
			return 0, faults.Validation("channels",
				"%s channel name %q is ambiguous (channels %d and %d); use an index", b.Role, want, match, i)
		}
		match = i
	}
	if match < 0 {
		return 0, faults.Validation("channels",
			"%s channel name %q not found in %s; use an index", b.Role, want, fmt.Sprint(channelNames))
	}
	return match, nil
}
