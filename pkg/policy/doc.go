// Package policy embeds the Open Policy Agent engine as an optional guard in
// front of credential release. Operators supply Rego modules whose decision
// document ({"action": "allow"|"block", "reason": ...}) is consulted after a
// scope's own domain check and before any secret is read.
//
// The package has no HTTP or storage dependencies so guard policies can be
// tested in isolation and reloaded independently of the broker.
package policy
