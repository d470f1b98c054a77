// Package jobstore implements jobs.Store on SQLite (single host), Redis (the
// broker's deployment, acting as the result registry) and PostgreSQL (shared
// registry for multi-host pools).
//
// Every backend funnels writes through jobs.CheckSave and jobs.Prepare so the
// optimistic version, the terminal read-only rule and the append-only artifact
// list behave identically regardless of where records live.
package jobstore
