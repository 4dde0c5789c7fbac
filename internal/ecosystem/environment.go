package ecosystem

import (
	"github.com/loykin/appvisor/internal/env"
)

// ToEnvironment merges s.Environment over the environment inherited from the
// current process. Declared variables win on collision.
func ToEnvironment(s ManagedProcessSpec) map[string]string {
	return env.New().FromOS().Merge(s.Environment)
}

// MergeEnvironment is ToEnvironment with an explicit inherited environment.
func MergeEnvironment(s ManagedProcessSpec, inherited map[string]string) map[string]string {
	return env.New().WithBase(env.Var(inherited).List()).Merge(s.Environment)
}
