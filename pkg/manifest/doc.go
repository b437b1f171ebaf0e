// Package manifest loads host manifests for the configurator engine.
//
// A manifest is a document keyed by hostname. Each host section may declare
// `package`, `file`, `command` and `service` resources:
//
//	web01:
//	  package:
//	    install: [apache2, php5]
//	    uninstall: [tree]
//	  file:
//	    /var/www/index.php:
//	      content: "<?php echo '<p>Hello World</p>'; ?>"
//	      mode: "0755"
//	      restart: [apache2]
//	  command:
//	    "rm -rf /tmp/cool_dir":
//	      onlyif: "test -d /tmp/cool_dir"
//
// YAML is the primary syntax and keeps `file` and `command` entries in document
// order. CUE (.cue) and Starlark (.star) manifests describe the same tree; the
// Starlark script must assign it to a global named `manifest`.
package manifest
