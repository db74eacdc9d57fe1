package comux

// noCopy marks Chan, Sender and the task synchronization primitives
// as not copyable after first use; go vet's copylocks check reports
// copies of any struct embedding it.
type noCopy struct{}

// Lock is a no-op used by go vet.
func (*noCopy) Lock() {}

// Unlock is a no-op used by go vet.
func (*noCopy) Unlock() {}
