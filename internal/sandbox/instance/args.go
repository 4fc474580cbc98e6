package instance

import (
	"strconv"
	"strings"
)

// NodeArgs renders the node's command-line flags. State is persisted to the
// shared /data volume so a restarted node resumes where it stopped.
func NodeArgs(spec NodeSpec, name string, port int) []string {
	args := []string{
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(port),
		"--accounts", "0",
		"--state", "/data/" + name + "-state.json",
		"--state-interval", "5",
	}
	if spec.ForkURL != "" {
		args = append(args, "--fork-url", spec.ForkURL)
	}
	if spec.ForkChainID != nil {
		args = append(args, "--fork-chain-id", strconv.FormatUint(*spec.ForkChainID, 10))
	}
	if spec.ForkBlockNum != nil {
		args = append(args, "--fork-block-number", strconv.FormatUint(*spec.ForkBlockNum, 10))
	}
	if spec.NoRateLimit {
		args = append(args, "--no-rate-limit")
	}
	if spec.ChainID != nil {
		args = append(args, "--chain-id", strconv.FormatUint(*spec.ChainID, 10))
	}
	if spec.CodeSizeLimit != nil {
		args = append(args, "--code-size-limit", strconv.FormatUint(*spec.CodeSizeLimit, 10))
	}
	if spec.BlockTime != nil {
		args = append(args, "--block-time", strconv.FormatUint(*spec.BlockTime, 10))
	}
	return args
}

// ShellQuote quotes each argument for a POSIX shell and joins them.
func ShellQuote(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, needsQuote) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
	}
	return strings.Join(quoted, " ")
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("@%+=:,./-_", r):
		return false
	}
	return true
}
