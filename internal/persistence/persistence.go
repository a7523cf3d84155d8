package persistence

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Instances   InstanceStore
	Activity    ActivityStore
	Checkpoints CheckpointStore
}

// FromStore uses one backend for every concern.
func FromStore(s Store) Persistence {
	return Persistence{
		Instances:   s,
		Activity:    s,
		Checkpoints: s,
	}
}
