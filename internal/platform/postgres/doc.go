// Package postgres provides the PostgreSQL plumbing shared by the Postgres
// broker: connection pools, embedded schema migrations and translation of
// driver errors into the task error taxonomy.
package postgres
