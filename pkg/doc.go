// Package pkg holds what every layer of softehci shares: the component
// logger and the sentinel errors transfers fail with.
//
// Log through the package functions with the calling component so output
// can be filtered:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentRing, "queue head linked", "slot", 3)
//
// Drivers wrap the sentinels, so test with errors.Is or classify with
// [StatusOf]:
//
//	if pkg.StatusOf(err) == pkg.TransferStatusStall {
//		// clear the halt
//	}
package pkg
