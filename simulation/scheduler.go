package simulation

import "math/rand"

// Scheduler picks the index of the next message to deliver.
type Scheduler interface {
	Pick(queue []Message) int
}

// SchedulerFunc adapts a function to a Scheduler.
type SchedulerFunc func(queue []Message) int

func (f SchedulerFunc) Pick(queue []Message) int {
	return f(queue)
}

// First delivers messages in the order they were sent.
func First() Scheduler {
	return SchedulerFunc(func([]Message) int { return 0 })
}

// Last always delivers the newest message.
func Last() Scheduler {
	return SchedulerFunc(func(queue []Message) int { return len(queue) - 1 })
}

// Random picks uniformly, the same seed gives the same schedule.
func Random(seed int64) Scheduler {
	rng := rand.New(rand.NewSource(seed))
	return SchedulerFunc(func(queue []Message) int { return rng.Intn(len(queue)) })
}
