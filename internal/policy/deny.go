package policy

import "regexp"

type denyRule struct {
	id      string
	pattern *regexp.Regexp
}

// builtinDenyRules hard-deny a shell command regardless of declared approval.
// Order matters only for which rule id gets reported; the first match wins.
var builtinDenyRules = []denyRule{
	{
		id:      "ROOT_DELETE_DENY",
		pattern: regexp.MustCompile(`(?i)\brm\s+(?:-{1,2}[\w-]+\s+)*/(?:\s|$|\*)|--no-preserve-root`),
	},
	{
		id:      "DISK_FORMAT_DENY",
		pattern: regexp.MustCompile(`(?i)\bmkfs(?:\.\w+)?\b`),
	},
	{
		id:      "RAW_DISK_WRITE_DENY",
		pattern: regexp.MustCompile(`(?i)\bdd\b[^|;]*\bof=/dev/`),
	},
	{
		id:      "SHUTDOWN_DENY",
		pattern: regexp.MustCompile(`(?i)\b(?:shutdown|reboot|halt|poweroff|init\s+0)\b`),
	},
	{
		id:      "FORK_BOMB_DENY",
		pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	},
	{
		id:      "SUDO_DENY",
		pattern: regexp.MustCompile(`(?i)(?:^|[;&|(]\s*)sudo\b`),
	},
	{
		id:      "NETWORK_PIPE_EXEC_DENY",
		pattern: regexp.MustCompile(`(?i)\b(?:curl|wget|fetch)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z|da|k|fi)?sh\b`),
	},
	{
		id:      "REMOTE_SHELL_DENY",
		pattern: regexp.MustCompile(`(?i)(?:^|[;&|(]\s*)(?:ssh|scp|sftp|telnet|nc|ncat|netcat|socat)\b`),
	},
}
