package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

// L is the default entry all context-less logging goes through.
var L = logrus.NewEntry(logrus.StandardLogger())

// G returns a logrus entry bound to ctx. The hook installed by [NewHook]
// adds trace correlation fields from the span stored in the context, if any.
func G(ctx context.Context) *logrus.Entry {
	return L.WithContext(ctx)
}
