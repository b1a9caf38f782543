// Package ygggo_amysql provides an asynchronous MySQL client engine for Go.
//
// # Overview
//
// ygggo_amysql multiplexes many in-flight connect, query and maintenance operations
// over a single reactor goroutine. Every operation is a small state machine driven by
// non-blocking primitive calls that report PENDING, DONE or ERROR:
//   - Connect, Query, MultiQuery and MultiQueryStream operations
//   - Reset and ChangeUser maintenance operations
//   - Cooperative cancellation and per-operation deadlines
//   - Two-phase drain and shutdown of the client
//   - Reset-before-reuse when a pooled connection is released
//   - Structured logging, OpenTelemetry tracing and metrics
//
// # Quick Start
//
//	import amysql "github.com/yggai/ygggo_amysql"
//
//	client, err := amysql.NewClient(amysql.ClientConfig{}, amysql.NewDriverHandler("mysql"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Shutdown()
//
//	conn, err := client.Connect(ctx, "localhost", 3306, "mydb", "user", "password", amysql.ConnectionOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	res, err := conn.Query(ctx, "SELECT id, name FROM users")
//
// # Asynchronous use
//
// Operations can be created without starting them, started with Run and awaited with
// Wait, or consumed through the channel based helpers:
//
//	op, _ := amysql.BeginQuery(conn, "SELECT 1")
//	_ = op.Run()
//	_ = op.Wait(ctx)
//	conn = op.ReleaseConnection()
//
//	for r := range amysql.QueryAsync(ctx, conn, "SELECT 2") {
//		if !r.OK() {
//			log.Printf("errno=%d", r.Errno())
//		}
//	}
//
// # Configuration
//
// The library supports both programmatic configuration and environment variables.
// Environment variables use the prefix YGGGO_AMYSQL_* (e.g., YGGGO_AMYSQL_HOST).
package ygggo_amysql

// Version returns the current library version.
//
// During development, it returns "v0.0.0-dev".
func Version() string { return "v0.0.0-dev" }
