// Package runner provides the command runners and provider querier the
// executor is built with.
//
// LocalRunner runs steps through a local shell. SSHRunner runs them on a
// remote host; commands spanning several lines are uploaded over SFTP and
// executed as a script. CommandQuerier turns any runner into a provider
// query capability by running a show command and parsing its JSON output.
//
// Runners report a non-zero exit code with a nil error. An error means the
// command could not be run at all.
package runner
