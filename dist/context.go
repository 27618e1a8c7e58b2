// Package dist owns the lifecycle of a data-parallel
// process group and the collective operations that the
// training loop needs on top of it.
package dist

import "fmt"

// DefaultAddr is the rendezvous address used when none is
// configured.
const DefaultAddr = "127.0.0.1:11223"

// Context identifies one rank within a process group.
//
// It is built once per process (or per rank Goroutine)
// and passed to every component that needs to know where
// it runs, instead of reading global environment state.
type Context struct {
	Rank      int
	WorldSize int

	// Addr is the rendezvous address of rank 0.
	Addr string
}

// Validate checks that the rank fits in the world.
func (c Context) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("invalid world size %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	return nil
}

// IsRoot reports whether this is rank 0, the rank that
// makes control decisions and writes artifacts.
func (c Context) IsRoot() bool {
	return c.Rank == 0
}

func (c Context) String() string {
	return fmt.Sprintf("rank %d/%d", c.Rank, c.WorldSize)
}
