package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		rollbackRequiredPolicy(),
		stepTimeoutPolicy(),
		deleteTargetPolicy(),
	}
}

// rollbackRequiredPolicy denies create operations that build a tracked
// resource without a way to remove it again.
func rollbackRequiredPolicy() Policy {
	return Policy{
		Name:        "rollback-required",
		Description: "Create operations that declare a target must define rollback steps",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"rollback", "safety"},
		Rego: `package capstan.policies.rollback

import rego.v1

deny contains violation if {
	op := input.operation
	op.kind == "create"
	op.target
	count(object.get(op, "rollback", [])) == 0
	violation := {
		"message": sprintf("operation %s creates %s but defines no rollback steps", [op.id, op.target.type]),
		"severity": "error",
	}
}
`,
	}
}

// stepTimeoutPolicy keeps every step inside the operation's timeout budget.
func stepTimeoutPolicy() Policy {
	return Policy{
		Name:        "step-timeout",
		Description: "Step timeouts must not exceed the operation timeout",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"timeouts"},
		Rego: `package capstan.policies.timeouts

import rego.v1

deny contains violation if {
	op := input.operation
	op.duration.timeout > 0
	some step in array.concat(op.steps, op.rollback)
	step.timeout > op.duration.timeout
	violation := {
		"message": sprintf("step %s timeout %ds exceeds operation timeout %ds", [step.name, step.timeout, op.duration.timeout]),
		"severity": "error",
	}
}
`,
	}
}

// deleteTargetPolicy requires destructive operations to name what they
// destroy, so the state store can record it.
func deleteTargetPolicy() Policy {
	return Policy{
		Name:        "delete-target",
		Description: "Delete operations must name a target resource",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package capstan.policies.delete

import rego.v1

deny contains violation if {
	op := input.operation
	op.kind == "delete"
	not op.target
	violation := {
		"message": sprintf("delete operation %s does not name a target", [op.id]),
		"severity": "error",
	}
}
`,
	}
}
