package skill

import (
	"fmt"
	"sort"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// FilterTools applies omit and then pick. An empty list disables that filter.
func FilterTools(defs []checkpoint.ToolDefinition, pick, omit []string) []checkpoint.ToolDefinition {
	omitted := toSet(omit)
	picked := toSet(pick)
	out := make([]checkpoint.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if omitted[d.Name] {
			continue
		}
		if len(picked) > 0 && !picked[d.Name] {
			continue
		}
		out = append(out, d)
	}
	return out
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// DefaultEnvAllowlist is forwarded to every subprocess provider when set in
// the lookup source.
var DefaultEnvAllowlist = []string{
	"PATH", "HOME", "SHELL", "TERM", "USER", "LANG", "LC_ALL", "TMPDIR", "TZ",
}

// FilterEnv builds a subprocess environment from the required variables and
// the allowlist. Nothing else from the parent environment is forwarded. A
// required variable that lookup cannot find is an error.
func FilterEnv(required, allow []string, lookup func(string) (string, bool)) ([]string, error) {
	vars := make(map[string]string)
	for _, name := range append(append([]string{}, DefaultEnvAllowlist...), allow...) {
		if v, ok := lookup(name); ok {
			vars[name] = v
		}
	}
	for _, name := range required {
		v, ok := lookup(name)
		if !ok {
			return nil, fmt.Errorf("required environment variable %s is not set", name)
		}
		vars[name] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}
