// Package room defines the broadcast group names clients subscribe to.
package room

import "strings"

const (
	Global  = "global"
	Tasks   = "tasks"
	Workers = "workers"
	Queues  = "queues"
)

const (
	taskPrefix   = "task:"
	workerPrefix = "worker:"
	queuePrefix  = "queue:"
)

func Task(id string) string {
	return taskPrefix + id
}

func Worker(id string) string {
	return workerPrefix + id
}

func Queue(name string) string {
	return queuePrefix + name
}

// Valid reports whether name is a well-known room or a parametric room with a
// non-empty parameter.
func Valid(name string) bool {
	switch name {
	case Global, Tasks, Workers, Queues:
		return true
	}

	for _, prefix := range []string{taskPrefix, workerPrefix, queuePrefix} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimSpace(name[len(prefix):]) != ""
		}
	}

	return false
}
