// Package executor runs operation descriptors.
//
// An operation moves Pending -> Running -> Completed, or Running -> Failed
// -> RolledBack when a step fails. Prerequisites are checked once on entry
// (cache first, provider on a miss). Steps run strictly in order through
// an injected engine.StepRunner, each bounded by its timeout. On failure
// the rollback steps paired with the attempted steps run in reverse order;
// rollback failures are collected and reported as a warning, never
// aborting the remaining rollback.
//
// A Healer may retry a failed step after patching its command with a
// known Fix. Retries are bounded and every patched command is checked
// against a denylist of destructive verbs aimed at the operation's own
// target before it is dispatched.
package executor
