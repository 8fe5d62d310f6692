// Package phashdb is an embeddable similarity index for binary fingerprints such as
// perceptual image hashes.
//
// phashdb stores fingerprints in a single SQLite file using modernc.org/sqlite (no cgo) and
// answers radius queries by Hamming distance. It partitions the space with vantage points:
// every stored fingerprint carries its distance to each vantage point in an indexed column,
// and the triangle inequality turns a query into one range predicate per vantage point
// before the exact distance check.
//
// # Key Features
//
//   - Deduplicated storage - identical fingerprints share one point, many keys may map to it.
//   - Vantage point pruning - add vantage points at any time, existing rows are backfilled.
//   - Two candidate strategies - one multi-predicate SELECT, or per-axis roaring bitmaps.
//   - Vantage point suggestions - sample-based max-min or max-sum selection.
//   - Dumps and backups - JSON Lines dumps with optional zstd, VACUUM INTO backups.
//
// # Quick Start
//
//	import (
//	    "context"
//	    "github.com/liliang-cn/phashdb/pkg/phashdb"
//	)
//
//	func main() {
//	    db, _ := phashdb.Open(phashdb.DefaultConfig("images.db"))
//	    defer db.Close()
//
//	    ctx := context.Background()
//	    _ = db.InsertHex(ctx, "f0e1d2c3b4a59687", "cat.png")
//	    _ = db.InsertHex(ctx, "f0e1d2c3b4a59686", "cat-small.png")
//
//	    // Register vantage points once the index holds data
//	    _, _ = db.AutoVantagePoints(ctx, 4, 1000)
//
//	    matches, _ := db.QueryHex(ctx, "f0e1d2c3b4a59687", 6, 10)
//	    _ = matches
//	}
//
// # Hashers
//
// phashdb does not decode images. Plug a perceptual hash in with phashdb.WithHasher and use
// InsertReader and QueryReader, or insert precomputed fingerprints directly.
//
// # Advanced Configuration
//
// For deeper control (metric, backfill batching, logger) use core.Config with
// core.NewWithConfig:
//
//	config := core.DefaultConfig()
//	config.Path = "images.db"
//	config.QueryStrategy = core.StrategyBitmap
//	config.Logger = core.NewStdLogger(core.LevelInfo)
//
//	index, _ := core.NewWithConfig(config)
//	_ = index.Init(ctx)
//
// # Command Line
//
// cmd/phashdb reads "<hex> <key>" lines as printed by imghash-style tools:
//
//	imghash photos/*.png | phashdb insert
//	phashdb suggest-vp --add 4
//	phashdb query f0e1d2c3b4a59687 --radius 6
//
// For more detailed examples, see the examples/ directory.
package phashdb
