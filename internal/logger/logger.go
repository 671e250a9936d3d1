package logger

import (
	"go.uber.org/zap"
)

var Log = zap.NewNop()

func Init(debug bool) {
	var (
		l   *zap.Logger
		err error
	)

	if debug {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		l, err = cfg.Build()
	}
	if err != nil {
		panic(err)
	}

	Log = l
}

func Sync() {
	_ = Log.Sync()
}
