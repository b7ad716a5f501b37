//go:build !unix

package disk

import "os"

// lockFile is a no-op where fcntl is unavailable; only the in-process key
// mutex serialises writers there.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
