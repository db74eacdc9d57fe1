// Package comux provides a reference-counted, multi-sender,
// single-consumer message channel for cooperative coroutine runtimes,
// together with the scheduler that consumes it.
//
// Key components:
//
//   - Chan: a mailbox of correlation-tagged nodes. Consumers mint a
//     RecvID per request with NextRecvID, hand a Sender for that id to
//     whatever completes the request, and drain the Chan with Recv or
//     Nodes once its Waker fires.
//
//   - Sender: the write end of one RecvID. It pushes typed values
//     (Nil, Ptr, Obj, Buf, F64, I64, U64, Bool, or a nested Sender)
//     and is closed exactly once, which queues the id's EOF. Connect
//     rebinds a Sender to another Chan for pipe-style composition.
//
//   - Node: one immutable queued message with its RecvID, an opaque
//     application error code and a Payload. Owned payloads pass to the
//     consumer through Node.Take; anything dropped unconsumed is
//     released exactly once.
//
//   - Waker: the event-loop binding, an eventfd on Linux, a pipe on
//     other Unix systems, or an in-process counter.
//
//   - Schedule and Task: a coroutine scheduler whose loop sleeps on the
//     completion Chan's Waker and resumes each task when the EOF for
//     the RecvID it awaits arrives. I/O requests, Mutex, WaitGroup,
//     ErrGroup and single-flight calls all wake their tasks this way.
//
// Nothing in this package blocks except Waker.Wait and the schedule
// loop built on it. Failures are returned as errors; only misuse of
// reference counts panics.
package comux
