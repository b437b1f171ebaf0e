// Package policy gates manifest application with Open Policy Agent (OPA) policies.
//
// Before a host section is applied, every enabled policy is evaluated with
// the section as input. Policies are Rego modules whose violations are
// collected from the `deny` set of their package. A violation of severity
// error or critical denies the apply; lower severities are reported only.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/configurator/policies"}); err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, "web01", hostManifest)
//	if err != nil {
//	    return err
//	}
//	for _, v := range result.Violations {
//	    fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	}
//
// # Input
//
// Policies see the following document as `input`:
//
//	{
//	  "host": "web01",
//	  "manifest": {
//	    "packages": {"install": ["nginx"], "uninstall": []},
//	    "files": [{"path": "/etc/motd", "content": "hi", "mode": "0644", "restart": []}],
//	    "commands": [{"command": "rm -rf /tmp/d", "onlyif": "test -d /tmp/d", "restart": []}]
//	  },
//	  "context": {"timestamp": "...", "operation": "apply"}
//	}
//
// Files and commands keep their manifest order. Optional attributes that
// were not declared are absent.
//
// # Built-in Policies
//
//  1. absolute-paths - file targets relative to the working directory (warning)
//  2. single-content-source - content and clone on the same file (warning)
//  3. shell-syntax - shell operators in commands or guards (warning)
//  4. package-conflicts - a package under both install and uninstall (warning)
//
// # Custom Policies
//
//	package site.policies.motd
//
//	import rego.v1
//
//	deny contains violation if {
//	    some f in input.manifest.files
//	    f.path == "/etc/motd"
//	    not f.owner
//	    violation := {
//	        "message": "/etc/motd must declare an owner",
//	        "severity": "error",
//	        "resource": f.path,
//	    }
//	}
//
// Files ending in .rego are loaded with severity warning unless a
// "# severity: <level>" header line says otherwise; per-violation severity
// overrides both. A "# tags: a, b" header line sets tags. A .json file may
// carry a full Policy definition. Policy names must be unique across all paths.
//
// # Hot Reload
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.SetPolicies(ctx, policies)
//	})
package policy
