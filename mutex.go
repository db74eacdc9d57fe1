package comux

// Mutex provides mutual exclusion for tasks. Unlock hands the lock
// directly to the longest waiting task, which resumes on the loop's
// next drain of the completion Chan.
type Mutex struct {
	noCopy noCopy   // Prevents copying of the mutex
	r      TaskBase // Task holding the lock, or the releasing task during hand-off
	sema   sema     // Waiting tasks
}

// Lock acquires the mutex for task, suspending it while another task
// holds the lock. If the schedule is cancelled first, Lock returns the
// cancellation error and task does not hold the mutex.
func (m *Mutex) Lock(task TaskBase) error {
	if m.r == nil {
		m.r = task
		return nil
	}

	if err := m.sema.acquire(task); err != nil {
		return err
	}
	m.r = task
	return nil
}

// Unlock releases the mutex. It panics if the mutex is not locked.
func (m *Mutex) Unlock() {
	if m.r == nil {
		panic("comux: unlock of unlocked mutex")
	}
	if m.sema.waiting() == 0 {
		m.r = nil
		return
	}
	m.sema.release()
}

// WaitCount returns the number of tasks waiting to acquire the mutex.
func (m *Mutex) WaitCount() int {
	return m.sema.waiting()
}
