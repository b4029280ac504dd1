// Package domain defines the core types of the credential broker: scope
// policies, pending approval requests, audit entries, and the error taxonomy
// shared by the store, the proxy engine, and the RPC surface.
//
// This package has ZERO dependencies outside the Go standard library and
// github.com/google/uuid. Types here carry shape and validation only; the
// behaviour that mutates them lives in the storage and proxy packages.
//
// The dependency direction is always:
//
//	storage, audit, proxy, mcp → domain (CORRECT)
//	domain → storage, audit, proxy, mcp (FORBIDDEN)
//
// Persisted documents evolve by adding optional fields. Every field added
// after the first shipped schema has a documented default applied at decode
// time, and every closed enum decodes unknown values to a fallback instead of
// failing, so older and newer documents both load.
package domain
