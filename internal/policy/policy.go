package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
)

// Allowlist restricts which commands may run. An entry allows its own path and
// every command beneath it, so "compound" covers "compound run".
type Allowlist []string

func ParseAllowlist(csv string) Allowlist {
	out := Allowlist{}
	for _, part := range strings.Split(csv, ",") {
		if norm := normalize(part); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func (a Allowlist) Check(commandPath string) error {
	if len(a) == 0 {
		return nil
	}
	path := normalize(commandPath)
	for _, allowed := range a {
		allowed = normalize(allowed)
		if path == allowed || strings.HasPrefix(path, allowed+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", path))
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
