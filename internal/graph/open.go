package graph

import (
	"context"
	"fmt"
)

// Supported store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverKuzu   = "kuzu"
)

// Open constructs the Store named by driver at path and initializes its
// schema. The memory driver ignores path.
func Open(ctx context.Context, driver, path string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case DriverMemory:
		s = NewMemStore()
	case DriverSQLite, "":
		s, err = NewSQLiteStore(path)
	case DriverKuzu:
		s, err = openKuzu(path)
	default:
		return nil, fmt.Errorf("graph: unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
