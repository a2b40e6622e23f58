package badger

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// logger routes badger's printf style logging through zap. Badger is chatty
// at info level, so its info lines are logged at debug.
type logger struct {
	z *zap.Logger
}

func NewLogger(l *zap.Logger) badger.Logger {
	return logger{z: l.Named("badger").WithOptions(zap.AddCallerSkip(2))}
}

func (l logger) log(level func(string, ...zap.Field), f string, args []interface{}) {
	level(strings.TrimRight(fmt.Sprintf(f, args...), "\n"))
}

func (l logger) Errorf(f string, args ...interface{})   { l.log(l.z.Error, f, args) }
func (l logger) Warningf(f string, args ...interface{}) { l.log(l.z.Warn, f, args) }
func (l logger) Infof(f string, args ...interface{})    { l.log(l.z.Debug, f, args) }
func (l logger) Debugf(f string, args ...interface{})   { l.log(l.z.Debug, f, args) }
