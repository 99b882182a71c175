package tunnel

import (
	"fmt"
	"strings"

	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
)

// yamuxLogger routes yamux's printf-style logging into zerolog at debug
// level.
type yamuxLogger struct {
	log zerolog.Logger
}

func (y yamuxLogger) Print(v ...interface{}) {
	y.log.Debug().Msg(strings.TrimSpace(fmt.Sprint(v...)))
}

func (y yamuxLogger) Printf(format string, v ...interface{}) {
	y.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (y yamuxLogger) Println(v ...interface{}) {
	y.log.Debug().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func yamuxConfig(log zerolog.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = yamuxLogger{log: log.With().Str("layer", "yamux").Logger()}
	return cfg
}
