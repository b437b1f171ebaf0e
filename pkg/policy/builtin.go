package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		absolutePathsPolicy(),
		contentSourcePolicy(),
		shellSyntaxPolicy(),
		packageConflictPolicy(),
	}
}

// absolutePathsPolicy flags file targets that depend on the working directory.
// Relative targets are legal; the file is still applied.
func absolutePathsPolicy() Policy {
	return Policy{
		Name:        "absolute-paths",
		Description: "File targets should be absolute paths",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"file"},
		Rego: `package configurator.policies.paths

import rego.v1

deny contains violation if {
	some f in input.manifest.files
	not startswith(f.path, "/")
	violation := {
		"message": sprintf("file target '%s' is relative to the working directory", [f.path]),
		"severity": "warning",
		"resource": f.path,
	}
}
`,
	}
}

// contentSourcePolicy flags files that declare both inline content and a clone source.
func contentSourcePolicy() Policy {
	return Policy{
		Name:        "single-content-source",
		Description: "A file should declare either content or clone, not both",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"file"},
		Rego: `package configurator.policies.content

import rego.v1

deny contains violation if {
	some f in input.manifest.files
	f.content
	f.clone
	violation := {
		"message": sprintf("file '%s' declares both content and clone; clone is applied last and wins", [f.path]),
		"severity": "warning",
		"resource": f.path,
	}
}
`,
	}
}

// shellSyntaxPolicy warns about shell operators in commands, which are run without a shell.
func shellSyntaxPolicy() Policy {
	return Policy{
		Name:        "shell-syntax",
		Description: "Commands are split into words and run directly; shell operators are passed literally",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"command"},
		Rego: `package configurator.policies.shell

import rego.v1

shell_operators := "[|;&<>` + "`" + `]|\\$\\("

deny contains violation if {
	some c in input.manifest.commands
	regex.match(shell_operators, c.command)
	violation := {
		"message": sprintf("command '%s' contains shell operators that will be passed as literal arguments", [c.command]),
		"severity": "warning",
		"resource": c.command,
	}
}

deny contains violation if {
	some c in input.manifest.commands
	regex.match(shell_operators, c.onlyif)
	violation := {
		"message": sprintf("guard '%s' contains shell operators that will be passed as literal arguments", [c.onlyif]),
		"severity": "warning",
		"resource": c.command,
	}
}
`,
	}
}

// packageConflictPolicy flags packages listed for both install and uninstall.
func packageConflictPolicy() Policy {
	return Policy{
		Name:        "package-conflicts",
		Description: "A package should not be listed under both install and uninstall",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"package"},
		Rego: `package configurator.policies.packages

import rego.v1

deny contains violation if {
	some name in input.manifest.packages.install
	name in input.manifest.packages.uninstall
	violation := {
		"message": sprintf("package '%s' is listed under install and uninstall; it will be installed and then removed", [name]),
		"severity": "warning",
		"resource": name,
	}
}
`,
	}
}
