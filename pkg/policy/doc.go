// Package policy admits or denies operations with Open Policy Agent.
//
// Every policy is a Rego module defining a deny set. Policies see the
// operation descriptor as input.operation, with durations in whole seconds:
//
//	package capstan.policies.naming
//
//	import rego.v1
//
//	deny contains violation if {
//	    op := input.operation
//	    op.kind == "create"
//	    not startswith(op.target.name, "cap-")
//	    violation := {
//	        "message": sprintf("%s must be prefixed with cap-", [op.target.name]),
//	        "severity": "warning",
//	    }
//	}
//
// A deny member is either a message string or an object with message and
// severity. Members without a severity take the policy default, which is
// error unless a "# severity:" header comment says otherwise. Error and
// critical violations deny the operation with POLICY_DENIED; the rest are
// returned as warnings.
//
// Built-in policies:
//
//  1. rollback-required - create operations with a target define rollback steps
//  2. step-timeout - no step timeout exceeds the operation timeout
//  3. delete-target - delete operations name a target
//
// Modules are parsed in Rego v0 compatibility mode, so files written in v1
// syntax must import rego.v1.
package policy
