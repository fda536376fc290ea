// Package actions models document mutation bundles and derives, per table,
// the set of pre-existing row ids a bundle touches. The result feeds
// access-recheck logic: rows created and consumed entirely inside one bundle
// never existed for an outside observer and are excluded.
package actions
