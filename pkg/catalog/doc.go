// Package catalog loads operation descriptors and error patterns from disk.
//
// Operations are YAML documents stored as
// <capabilities>/<capability>/operations/<name>.yaml. Each file is checked
// against a CUE schema (required fields and enumerations), decoded and
// checked again with struct validation, then converted to an
// engine.Descriptor. Problems are collected per file so a validation run
// reports everything at once.
//
// CheckDependencies validates the requires relation across all operations:
// unknown operations and cycles are reported.
//
// The error-pattern catalog maps recognisable failure output to fixes used
// by the executor's self-healing. A fix replaces text in the failed
// command, appends to it, or runs a Starlark patch function:
//
//	patterns:
//	  - name: quota-exceeded
//	    pattern: "QuotaExceeded"
//	    auto_fix: true
//	    fix:
//	      starlark: |
//	        def patch(command, output):
//	            return re_sub("Standard_D[0-9]+s_v3", "Standard_D2s_v3", command)
package catalog
