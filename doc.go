// Package vfskit is a pluggable platform layer for a database engine. All file
// I/O, locking, randomness, timing and dynamic library loading go through
// named, swappable drivers.
//
// The package defines the dispatch contract ([FileMethods], [DriverMethods]),
// the driver [Registry] and the lifetime rules of a [File]. It never performs
// I/O of its own except through a driver.
//
// # Drivers
//
// The process-wide registry starts out with the built-in "os" driver, seeded
// the first time the registry is used. Other drivers live in their own
// packages:
//
//   - In-memory (github.com/gobeaver/vfskit/driver/memory)
//   - Amazon S3 (github.com/gobeaver/vfskit/driver/s3)
//   - SFTP (github.com/gobeaver/vfskit/driver/sftp)
//   - Metrics shim (github.com/gobeaver/vfskit/driver/metered)
//
// # Basic Usage
//
//	d, err := vfskit.Find("") // default driver
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vfskit.Release(d)
//
//	f, _, err := vfskit.OpenAndAllocate(d, "app.db", vfskit.OpenReadWrite|vfskit.OpenCreate|vfskit.OpenMainDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vfskit.CloseAndFree(f)
//
//	err = f.Write([]byte("hello"), 0)
//
// # Registration
//
// [Register] places a driver in the registry. With makeDefault set it becomes
// the driver returned by Find("") and the previous default moves to the front
// of the others. Registering a driver twice moves it instead of duplicating
// it. [Unregister] removes a driver; references already taken with Find stay
// valid until released.
//
// # Optional Capabilities
//
// Files and drivers may implement optional capability interfaces. The
// dispatch layer checks for them with type assertions and falls back to a
// fixed default:
//
//	// Sector size of the underlying storage, 512 if not reported
//	n := f.SectorSize()
//
//	// Watch for file changes
//	token, err := d.Watch(ctx, "app.db")
//	if err == nil {
//	    token.RegisterChangeCallback(func() { /* drop cache */ })
//	}
//
// # Shims
//
// [NewReadOnlyDriver] wraps a driver and refuses writes. [MountManager]
// combines several drivers under one virtual namespace and exposes the result
// as a single driver.
//
// # Errors
//
// Driver errors are returned unchanged. They wrap the package sentinels
// ([ErrIO], [ErrBusy], [ErrReadOnly] ...) so callers can use [errors.Is], and
// [StatusOf] maps them onto the integer result codes engines expect.
package vfskit
