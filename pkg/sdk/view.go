package sdk

// View is a headless UI component: it owns the state one panel of the
// dashboard renders and talks to the backend only through its Context.
type View interface {
	Init(ctx Context) error
	Snapshot() any
	Stop() error
}
