package sagaflow

import (
	"database/sql"
)

// Bundle wires together a Bus and an Engine publishing to it. The two are
// deliberately independent objects; the bundle exists so applications that
// want the common pairing can construct it in one call.
type Bundle struct {
	Bus    Bus
	Engine Engine
}

// Close shuts down the bundle's bus. Engine instances already executing are
// unaffected; their lifecycle events are dropped once the bus is closed.
func (b *Bundle) Close() error {
	return b.Bus.Close()
}

// NewBundle constructs a local-only Bus plus an Engine publishing to it.
// Best for tests and single-process setups that do not need durability.
func NewBundle(busOpts []BusOption, engineOpts ...EngineOption) *Bundle {
	b := NewBus(busOpts...)
	return &Bundle{
		Bus:    b,
		Engine: NewEngine(b, engineOpts...),
	}
}

// NewSQLiteBundle constructs a durable Bus + Engine combo persisting events
// in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:sagaflow.db?_journal=WAL")
//	bundle, err := sagaflow.NewSQLiteBundle(db, nil)
//	// register templates on bundle.Engine
//	// subscribe handlers on bundle.Bus
func NewSQLiteBundle(db *sql.DB, busOpts []BusOption, engineOpts ...EngineOption) (*Bundle, error) {
	b, err := NewSQLiteBus(db, busOpts...)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Bus:    b,
		Engine: NewEngine(b, engineOpts...),
	}, nil
}
