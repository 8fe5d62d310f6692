// Package core provides the persistent vantage-point partition index behind phashdb.
//
// Fingerprints are stored once in SQLite together with one precomputed distance per
// registered vantage point (an "axis"). A radius query derives, for every axis, the range of
// distances a match can have by the triangle inequality, selects the points inside all of
// those bands and then checks each candidate with the exact distance.
//
// # Key Components
//
//   - Index: the handle owning the database, the axis-set statement cache and the logger.
//   - Point store: deduplicated fingerprints and their axis distances, backfilled when a
//     vantage point is added.
//   - Vantage points and shells: the axes plus advisory per-axis distance histograms used by
//     Explain.
//   - Item store: caller keys mapped many-to-one onto points.
//   - Query engine: band filter (one SQL statement or roaring bitmap intersection), exact
//     filter, ordering and item resolution.
//   - Selection: a max-min heuristic proposing the next vantage point.
//
// # Concurrency
//
// Inserts, vantage point additions and shell maintenance hold the handle exclusively; queries
// share it. Every operation runs in one SQLite transaction and re-reads the vantage point list,
// so several handles over the same file stay consistent.
//
// Pruning is only sound when the metric satisfies the triangle inequality.
package core
