package plugin

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/wjlgatech/epiloop/pkg/models"
)

// HostCheckResult reports which of a hook's static preconditions (required
// binaries on PATH, required environment variables, host OS) are unmet.
type HostCheckResult struct {
	Eligible     bool
	MissingBins  []string
	MissingEnv   []string
	WrongOS      bool
}

// CheckHostRequirements evaluates the bins/env/OS half of a hook's
// eligibility (the config-predicate half is Eligible, evaluated per
// dispatch since it can depend on payload values). allowedOS is empty to
// mean "any OS".
func CheckHostRequirements(h models.Hook, allowedOS []string) HostCheckResult {
	var res HostCheckResult
	res.Eligible = true

	for _, bin := range h.Requires.Bins {
		if _, err := exec.LookPath(bin); err != nil {
			res.MissingBins = append(res.MissingBins, bin)
			res.Eligible = false
		}
	}
	for _, e := range h.Requires.Env {
		if os.Getenv(e) == "" {
			res.MissingEnv = append(res.MissingEnv, e)
			res.Eligible = false
		}
	}
	if len(allowedOS) > 0 {
		matched := false
		for _, o := range allowedOS {
			if o == runtime.GOOS {
				matched = true
				break
			}
		}
		if !matched {
			res.WrongOS = true
			res.Eligible = false
		}
	}
	return res
}
