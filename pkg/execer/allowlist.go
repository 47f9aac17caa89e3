package execer

import "strings"

// bannedShellChars are rejected in every argument of every tool.
const bannedShellChars = ";|&$`\n\r\x00"

// bannedStatementChars governs the mysql -e statement, where backtick-quoted
// identifiers are legitimate DDL; the identifiers themselves are validated
// before the statement is built, so only the stacking and control characters
// stay banned.
const bannedStatementChars = ";|&$\n\r\x00"

// Allowed reports whether name/args is one of the external tool invocations
// this engine is permitted to make. The list is strict by verb so a corrupt
// plan file cannot turn the engine into a general command runner.
func Allowed(name string, args []string) bool {
	name = strings.TrimSpace(name)
	if name == "mysql" {
		return allowedMySQL(args)
	}
	for _, a := range args {
		if strings.ContainsAny(a, bannedShellChars) {
			return false
		}
	}
	switch name {
	case "ceph":
		return allowedCeph(args)
	case "openstack":
		return allowedOpenStack(args)
	case "ovs-vsctl":
		return allowedVerb(args, []string{
			"br-exists", "add-br", "del-br", "list-br",
			"add-port", "del-port", "port-to-br", "list-ports",
			"get", "set", "remove",
		})
	case "ovn-nbctl":
		return allowedVerb(args, []string{"show", "list", "find", "get", "set", "pg-del", "lr-list", "ls-list"})
	case "ovn-sbctl":
		return allowedVerb(args, []string{"show", "list", "find", "get", "chassis-del", "destroy"})
	case "systemctl":
		return allowedVerb(args, []string{"is-active", "is-enabled", "enable", "disable", "start", "stop", "restart", "show"})
	default:
		return false
	}
}

func allowedCeph(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "osd":
		// osd pool ls|create|set|application ...
		return len(args) >= 2 && args[1] == "pool"
	case "auth":
		if len(args) < 2 {
			return false
		}
		switch args[1] {
		case "get", "get-or-create", "caps", "del":
			return true
		}
		return false
	case "fs":
		return len(args) >= 2 && (args[1] == "ls" || args[1] == "new")
	case "df", "status", "versions", "health":
		return true
	}
	return false
}

func allowedOpenStack(args []string) bool {
	if len(args) == 0 {
		return false
	}
	// "role assignment list" and friends arrive as separate tokens; gating on
	// the first object token is sufficient because credentials come from env.
	switch args[0] {
	case "service", "endpoint", "user", "project", "role", "domain", "token":
		return true
	}
	return false
}

func allowedMySQL(args []string) bool {
	// Only the batch form: mysql -N -B -e <statement> [db]
	sawExec := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-N", "-B", "--batch", "--skip-column-names":
			continue
		case "-e":
			if sawExec || i+1 >= len(args) {
				return false
			}
			if strings.ContainsAny(args[i+1], bannedStatementChars) {
				return false
			}
			sawExec = true
			i++
		default:
			// database name after the statement
			if !sawExec || strings.HasPrefix(args[i], "-") || strings.ContainsAny(args[i], bannedShellChars) {
				return false
			}
		}
	}
	return sawExec
}

func allowedVerb(args []string, verbs []string) bool {
	if len(args) == 0 {
		return false
	}
	// skip global flags like --format=json, --timeout=5, --if-exists
	i := 0
	for i < len(args) && strings.HasPrefix(args[i], "--") {
		i++
	}
	if i >= len(args) {
		return false
	}
	for _, v := range verbs {
		if args[i] == v {
			return true
		}
	}
	return false
}
