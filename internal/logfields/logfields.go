// Package logfields provides zap fields that are shared between packages to
// ensure that the same keys are used for them in all log messages.
package logfields

import "go.uber.org/zap"

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func Staging(val int64) zap.Field {
	return zap.Int64("staging.id", val)
}

func Batch(val int64) zap.Field {
	return zap.Int64("staging.batch", val)
}

func Task(val int64) zap.Field {
	return zap.Int64("task.id", val)
}

func TaskKind(val string) zap.Field {
	return zap.String("task.kind", val)
}

func MergeMethod(val string) zap.Field {
	return zap.String("merge.method", val)
}
