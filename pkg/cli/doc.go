// Package cli implements pacsgate-eval, the operator command line for the
// access-control database.
//
// # Commands
//
// evaluate: decide one resource exactly as the server would
//
//	pacsgate-eval evaluate \
//		--db postgres://pacs@localhost/pacs \
//		--user 42 --project 7 \
//		--level SERIES --uid 1.2.840.113619.2.1.1
//
// The verdict is printed as JSON. With --fail-on-deny the command exits
// non-zero on a denial, which makes it usable in scripts.
//
// filter: return the visible subset of many UIDs
//
//	pacsgate-eval filter --user 42 --project 7 --uids 1.2.3,1.2.4
//
// conditions: list what is bound to a role or project, in evaluation order
//
//	pacsgate-eval conditions --role 3
//
// seed and migrate: prepare a database
//
//	pacsgate-eval migrate
//	pacsgate-eval seed --file policy.yaml
//
// Every database command reads the connection URL from --db or
// PACSGATE_POSTGRES_URL.
package cli
