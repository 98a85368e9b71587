//go:build !unix

package ledger

import "os"

// Without flock the lock file only marks the ledger directory; cycles are
// still serialized within a process by the engine.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
