// Package interpolate implements the [[name]] token substitution (C7,
// spec.md §4.5) shared by deploy env/args and procedure/build parameters.
// The teacher has no precedent for token substitution, so this is grounded
// directly in spec.md's own two-pass algorithm; string scanning uses only
// the standard library (justified in DESIGN.md: no templating dependency
// appears anywhere in the example pack for this narrow a need).
package interpolate

import "strings"

// Replacement records one token substitution for the audit log.
type Replacement struct {
	Name  string
	Value string
}

// Set accumulates replacements made during one interpolation pass.
type Set struct {
	items []Replacement
}

func (s *Set) add(name, value string) {
	s.items = append(s.items, Replacement{Name: name, Value: value})
}

// Items returns the accumulated replacements in application order.
func (s *Set) Items() []Replacement { return s.items }

func token(name string) string { return "[[" + name + "]]" }

// replaceAll substitutes every [[name]] present in values within s,
// recording each applied replacement into set. Unknown tokens are left
// literal.
func replaceAll(s string, values map[string]string, set *Set) string {
	if s == "" || len(values) == 0 {
		return s
	}
	for name, value := range values {
		tok := token(name)
		if strings.Contains(s, tok) {
			s = strings.ReplaceAll(s, tok, value)
			set.add(name, value)
		}
	}
	return s
}

// String interpolates a single string target in place: variables pass then
// secrets pass (spec.md §4.5).
func String(target string, variables, secrets map[string]string, globalReplacers, secretReplacers *Set) string {
	target = replaceAll(target, variables, globalReplacers)
	target = replaceAll(target, secrets, secretReplacers)
	return target
}

// Slice interpolates every element of an argv-style target in place.
func Slice(target []string, variables, secrets map[string]string, globalReplacers, secretReplacers *Set) []string {
	for i, v := range target {
		target[i] = String(v, variables, secrets, globalReplacers, secretReplacers)
	}
	return target
}

// Command interpolates the command field of a {command: string} target.
func Command(command string, variables, secrets map[string]string, globalReplacers, secretReplacers *Set) string {
	return String(command, variables, secrets, globalReplacers, secretReplacers)
}

// AuditLines renders replacement sets for the update log: global
// replacements show "name => value"; secret replacements show only
// "replaced: name" so the secret value never reaches the audit trail
// (spec.md §4.5 audit rule).
func AuditLines(globalReplacers, secretReplacers *Set) []string {
	var lines []string
	for _, r := range globalReplacers.Items() {
		lines = append(lines, r.Name+" => "+r.Value)
	}
	for _, r := range secretReplacers.Items() {
		lines = append(lines, "replaced: "+r.Name)
	}
	return lines
}
