package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child environments from layers. The zero value is not usable; call New.
type Env struct {
	Var  Var // supervisor-global variables (K->V)
	base Var // inherited environment; nil means "read os.Environ on Merge"
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// Parse converts "K=V" pairs into a Var. Entries without '=' or with an empty key are skipped.
// Later pairs win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	return e.WithBase(os.Environ())
}

// WithBase returns a copy of e whose inherited layer is kvs.
func (e *Env) WithBase(kvs []string) *Env {
	ne := e.clone()
	ne.base = Parse(kvs)
	return ne
}

// WithSet returns a copy of e with a global variable K=V set.
func (e *Env) WithSet(k, v string) *Env {
	ne := e.clone()
	if k != "" {
		ne.Var[k] = v
	}
	return ne
}

// WithUnset returns a copy of e without the global variable k.
func (e *Env) WithUnset(k string) *Env {
	ne := e.clone()
	delete(ne.Var, k)
	return ne
}

func (e *Env) clone() *Env {
	ne := &Env{Var: make(Var, len(e.Var))}
	for k, v := range e.Var {
		ne.Var[k] = v
	}
	if e.base != nil {
		ne.base = make(Var, len(e.base))
		for k, v := range e.base {
			ne.base[k] = v
		}
	}
	return ne
}

// Merge composes the final environment applying order:
// base = inherited (OS env unless WithBase was used)
// then global e.Var overrides
// then perProc overrides.
// ${VAR} references in the global and perProc values are expanded once
// against the composed map (no recursion). Inherited values are copied
// verbatim.
func (e *Env) Merge(perProc map[string]string) Var {
	base := e.base
	if base == nil {
		base = Parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.Var)+len(perProc))
	for k, v := range base {
		m[k] = v
	}
	declared := make(map[string]bool, len(e.Var)+len(perProc))
	for _, layer := range []map[string]string{e.Var, perProc} {
		for k, v := range layer {
			if k == "" {
				continue
			}
			m[k] = v
			declared[k] = true
		}
	}
	out := make(Var, len(m))
	for k, v := range m {
		if declared[k] {
			v = expand(v, m)
		}
		out[k] = v
	}
	return out
}

// List renders v as sorted "K=V" pairs suitable for exec.Cmd.Env.
func (v Var) List() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

// expand replaces ${KEY} with m[KEY]. Unknown keys and bare $KEY are left untouched.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		key := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[key]; ok && key != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}
