// Package autoload initialises the global logger from LOG_* environment
// variables when imported for its side effect.
package autoload

import (
	configx "github.com/tanpawarit/agentloop/pkg/config"
	logx "github.com/tanpawarit/agentloop/pkg/logger"
)

func init() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))
}
