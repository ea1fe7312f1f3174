// Package resolver builds the dependency graph between resources.
//
// Edges are derived from resource properties by a Registry of extractors:
// declarative path rules for known resource types and a generic scan for
// identifier-shaped strings as fallback. The resulting Graph answers
// ordering questions (topological and deletion order, parallel levels),
// prerequisite checks, impact analysis and cycle detection.
//
// An edge From -> To means From depends on To.
package resolver
