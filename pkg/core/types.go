package core

import "github.com/liliang-cn/phashdb/pkg/fingerprint"

// Point is a deduplicated fingerprint row
type Point struct {
	ID    int64                   `json:"id"`
	Value fingerprint.Fingerprint `json:"value"`
	Axes  map[int64]int64         `json:"axes,omitempty"` // vantage point id -> stored distance
}

// VantagePoint is a reference fingerprint used for pruning
type VantagePoint struct {
	ID    int64                   `json:"id"`
	Value fingerprint.Fingerprint `json:"value"`
}

// Shell is one distance band of a vantage point's partition.
// It covers distances in [Lower, Upper].
type Shell struct {
	VantagePointID int64 `json:"vantagePointId"`
	Lower          int64 `json:"lower"`
	Upper          int64 `json:"upper"`
	Count          int64 `json:"count"`
}

// Item maps a caller key onto a point
type Item struct {
	ID      int64  `json:"id"`
	Key     string `json:"key"`
	PointID int64  `json:"pointId"`
}

// Match is one query result
type Match struct {
	Key      string `json:"key"`
	PointID  int64  `json:"pointId"`
	Distance uint64 `json:"distance"`
}

// QueryOptions bounds a similarity query
type QueryOptions struct {
	Radius uint64 `json:"radius"` // Maximum distance, inclusive
	Limit  int    `json:"limit"`  // Maximum results, 0 = unbounded
}

// Stats are the cached aggregate counts. They are diagnostics, not authoritative.
type Stats struct {
	Points          int64  `json:"points"`
	VantagePoints   int64  `json:"vantagePoints"`
	Shells          int64  `json:"shells"`
	Items           int64  `json:"items"`
	FingerprintSize int    `json:"fingerprintSize"`
	Metric          string `json:"metric"`
}

// Band is the admissible axis range for one vantage point
type Band struct {
	VantagePointID int64  `json:"vantagePointId"`
	Distance       uint64 `json:"distance"` // d(vantage point, query)
	Lower          uint64 `json:"lower"`
	Upper          uint64 `json:"upper"`
}

// Plan describes how a query would be answered
type Plan struct {
	Strategy QueryStrategy `json:"strategy"`
	Bands    []Band        `json:"bands"`
	// Estimate is an upper bound on the candidate count derived from shell statistics.
	// -1 means no vantage points are registered and a full scan is needed.
	Estimate int64 `json:"estimate"`
	Points   int64 `json:"points"`
}
