// Package config resolves a bot configuration from prioritized layers.
//
// # Resolution
//
// A Layer is a partial configuration tree (template, profile, overlay or
// instance) with an integer priority. Resolve applies layers in ascending
// priority, so later layers win. Per dotted path a MergeStrategy decides how a
// value combines with what is already there:
//
//   - override (default): replace
//   - merge: recurse into objects, concatenate arrays
//   - append / prepend: concatenate arrays after / before the existing one
//
// Objects are only merged key by key under the merge strategy; everywhere else
// an object replaces the existing value wholesale. DefaultManifestStrategies
// marks the object paths of a BotInstance manifest as merge.
//
// # Loading
//
// Loader builds layers from files. YAML, JSON, CUE and Starlark sources are
// supported; a Starlark script publishes its layer by assigning a dict to the
// global named config. Descriptor files (*.layer.yaml, *.layer.json) add an
// explicit type, ID and priority:
//
//	type: profile
//	id: hardened
//	priority: 50
//	config:
//	  spec:
//	    network:
//	      egress:
//	        preset: none
package config
