// Package config loads the configurator agent settings.
//
// Settings are read from an optional YAML file and layered over defaults;
// command-line flags override individual fields afterwards. A minimal file:
//
//	manifest: /etc/configurator/hosts.yaml
//	packages:
//	  manager: apt
//	  purge: false
//	history:
//	  path: /var/lib/configurator/history.db
package config
