// Package manifest reads application manifests and matches their Core
// declarations against the System artifacts that are available.
//
// A manifest names the Cores an application needs, the features each must
// provide, the Systems preferred to implement it (in order) and, optionally,
// a semver range the chosen System's version must fall in. YAML and HCL are
// accepted:
//
//	name: demo
//	cores:
//	  - name: counter
//	    features: [persist]
//	    systems: [counter-fast, counter-wasm]
//	    version: ">=1.0.0 <2.0.0"
//
//	name = "demo"
//	core "counter" {
//	  features = ["persist"]
//	  systems  = ["counter-fast", "counter-wasm"]
//	  version  = ">=1.0.0 <2.0.0"
//	}
//
// Cores may require other Cores; Levels orders them so that every Core is
// loaded after the ones it requires.
package manifest
