// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package logs holds the logger selectors used across cellttl.
package logs

// Logger selectors. Each component obtains its logger with
// logp.NewLogger(<selector>), so debug output can be enabled per
// component with "-d <selector>".
const (
	Client  = "ttl.client"
	Sweep   = "ttl.sweep"
	Store   = "ttl.store"
	Badger  = "ttl.store.badger"
	Command = "cellttl"
)
