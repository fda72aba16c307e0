// Package workqueue is a durable work queuing backend over a kv.Store.
//
// A work instance moves through scheduled, running and completed, or is
// canceled while scheduled. At shutdown the scheduled list of a queue is
// moved to its suspended list and moved back at the next Init, so a restart
// resumes the pending work in order.
//
// Keys, under a namespace (DefaultNamespace):
//
//	data          hash  work id -> JSON work
//	state         hash  work id -> Q | R | X | C<completion millis>
//	queue:<id>    list  scheduled ids, head first
//	prev:<id>     list  suspended ids
//	run:<id>      set   running ids
//	done:<id>     set   completed ids
//
// Each transition updates these keys in one store transaction, so an id is
// in exactly one of the lists and sets of its queue between calls. No
// operation retries on failure; the Pool retries runners and transitions
// whose error is retryable.
package workqueue
