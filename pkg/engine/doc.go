// Package engine reconciles a single host toward the state declared in its manifest.
//
// # Overview
//
// The Dispatcher applies the resources of one host section in a fixed order:
//
//  1. Packages - install list, then uninstall list (PackageReconciler)
//  2. Files - content, clone, mode, owner, group (FileReconciler)
//  3. Commands - optional onlyif guard, then the command (CommandReconciler)
//
// Every resource is checked against the live system before it is changed, so
// applying the same manifest twice leaves the second run with nothing to do.
// The engine keeps no state between runs.
//
// # Restarts
//
// Files and commands may name services to restart. A file restarts its services
// only when its content or clone rewrote it; a command restarts its services
// only when it exits 0. Restarts go through the ServiceController and are not
// de-duplicated across resources: two files naming nginx restart it twice.
//
// # Capabilities
//
// The engine reaches the operating system only through interfaces:
// ServiceManager, PackageManager, CommandRunner, FileSystem and IdentityResolver.
// Concrete implementations live in pkg/providers/host.
//
// # Errors
//
// Failures are classified with EngineError. Resource failures are logged and
// stored in that resource's Result; they never abort the dispatch.
package engine
